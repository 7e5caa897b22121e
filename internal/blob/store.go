// Package blob is a filesystem-backed object store with multipart uploads
// and presigned URLs. It stands in for S3-style storage.
package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"stackline/internal/fault"
)

const multipartDir = ".multipart"

// Object describes a stored blob.
type Object struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ETag    string    `json:"etag"`
	ModTime time.Time `json:"modTime"`
}

// Part identifies an uploaded part by number and ETag.
type Part struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

type multipartMeta struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"createdAt"`
	Completed *Object   `json:"completed,omitempty"`
}

// Store persists blobs under a root directory.
type Store struct {
	root string
}

// NewStore initializes a Store rooted at root.
func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("blob: root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, multipartDir), 0o755); err != nil {
		return nil, fmt.Errorf("blob: ensure root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the storage directory.
func (s *Store) Root() string { return s.root }

// Put writes r at key and returns the stored object. The write is atomic.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	clean, err := SanitizeKey(key)
	if err != nil {
		return Object{}, err
	}
	full := s.path(clean)
	h := md5.New()
	size, err := writeAtomic(full, io.TeeReader(r, h))
	if err != nil {
		return Object{}, fault.Wrap(fault.ErrTransient, "blob", "put", "write failed", err)
	}
	return Object{Key: clean, Size: size, ETag: hex.EncodeToString(h.Sum(nil)), ModTime: time.Now().UTC()}, nil
}

// PutFile copies a local file to key.
func (s *Store) PutFile(ctx context.Context, key, path string) (Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return Object{}, err
	}
	defer f.Close()
	return s.Put(ctx, key, f)
}

// Open returns a reader for key. Callers close it.
func (s *Store) Open(ctx context.Context, key string) (*os.File, Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, Object{}, err
	}
	clean, err := SanitizeKey(key)
	if err != nil {
		return nil, Object{}, err
	}
	f, err := os.Open(s.path(clean))
	if err != nil {
		return nil, Object{}, notFound(clean, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Object{}, err
	}
	return f, Object{Key: clean, Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

// Stat reports whether key exists and its size.
func (s *Store) Stat(ctx context.Context, key string) (Object, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return Object{}, err
	}
	info, err := os.Stat(s.path(clean))
	if err != nil {
		return Object{}, notFound(clean, err)
	}
	return Object{Key: clean, Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	clean, err := SanitizeKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(clean)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Fetch copies key into the local file dest.
func (s *Store) Fetch(ctx context.Context, key, dest string) error {
	src, _, err := s.Open(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fault.Wrap(fault.ErrTransient, "blob", "fetch", "copy failed", err)
	}
	return out.Close()
}

// CreateMultipart opens an upload session for key.
func (s *Store) CreateMultipart(ctx context.Context, key string) (string, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	dir := s.uploadDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := s.writeMeta(id, multipartMeta{Key: clean, CreatedAt: time.Now().UTC()}); err != nil {
		return "", err
	}
	return id, nil
}

// PutPart stores one part and returns its ETag.
func (s *Store) PutPart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (string, error) {
	if partNumber < 1 || partNumber > 10000 {
		return "", fault.New(fault.ErrValidation, "blob", fmt.Sprintf("part number %d out of range", partNumber))
	}
	meta, err := s.readMeta(uploadID)
	if err != nil {
		return "", err
	}
	if meta.Completed != nil {
		return "", fault.New(fault.ErrConflict, "blob", "upload already completed")
	}
	h := md5.New()
	if _, err := writeAtomic(s.partPath(uploadID, partNumber), io.TeeReader(r, h)); err != nil {
		return "", fault.Wrap(fault.ErrTransient, "blob", "put_part", "write failed", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CompleteMultipart concatenates parts in order. Completing an already
// completed upload returns the same object.
func (s *Store) CompleteMultipart(ctx context.Context, uploadID string, parts []Part) (Object, error) {
	meta, err := s.readMeta(uploadID)
	if err != nil {
		return Object{}, err
	}
	if meta.Completed != nil {
		return *meta.Completed, nil
	}
	if len(parts) == 0 {
		return Object{}, fault.New(fault.ErrValidation, "blob", "no parts supplied")
	}
	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	readers := make([]io.Reader, 0, len(sorted))
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	digest := md5.New()
	for i, p := range sorted {
		if i > 0 && p.PartNumber == sorted[i-1].PartNumber {
			return Object{}, fault.New(fault.ErrValidation, "blob", fmt.Sprintf("duplicate part %d", p.PartNumber))
		}
		f, err := os.Open(s.partPath(uploadID, p.PartNumber))
		if err != nil {
			return Object{}, fault.Wrap(fault.ErrValidation, "blob", "complete", fmt.Sprintf("part %d missing", p.PartNumber), err)
		}
		closers = append(closers, f)
		sum, err := fileMD5(f)
		if err != nil {
			return Object{}, err
		}
		if !strings.EqualFold(strings.Trim(p.ETag, `"`), sum) {
			return Object{}, fault.New(fault.ErrValidation, "blob", fmt.Sprintf("part %d etag mismatch", p.PartNumber))
		}
		raw, _ := hex.DecodeString(sum)
		digest.Write(raw)
		readers = append(readers, f)
	}

	size, err := writeAtomic(s.path(meta.Key), io.MultiReader(readers...))
	if err != nil {
		return Object{}, fault.Wrap(fault.ErrTransient, "blob", "complete", "assemble failed", err)
	}
	obj := Object{
		Key:     meta.Key,
		Size:    size,
		ETag:    fmt.Sprintf("%s-%d", hex.EncodeToString(digest.Sum(nil)), len(sorted)),
		ModTime: time.Now().UTC(),
	}
	meta.Completed = &obj
	if err := s.writeMeta(uploadID, meta); err != nil {
		return Object{}, err
	}
	s.removeParts(uploadID)
	return obj, nil
}

// AbortMultipart discards an upload session. Unknown sessions are ignored.
func (s *Store) AbortMultipart(ctx context.Context, uploadID string) error {
	if _, err := uuid.Parse(uploadID); err != nil {
		return fault.New(fault.ErrValidation, "blob", "invalid upload id")
	}
	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		return err
	}
	return nil
}

// MultipartKey returns the destination key of an upload session.
func (s *Store) MultipartKey(uploadID string) (string, error) {
	meta, err := s.readMeta(uploadID)
	if err != nil {
		return "", err
	}
	return meta.Key, nil
}

func (s *Store) path(clean string) string {
	return filepath.Join(s.root, filepath.FromSlash(clean))
}

func (s *Store) uploadDir(id string) string {
	return filepath.Join(s.root, multipartDir, id)
}

func (s *Store) partPath(id string, n int) string {
	return filepath.Join(s.uploadDir(id), fmt.Sprintf("part-%05d", n))
}

func (s *Store) readMeta(id string) (multipartMeta, error) {
	var meta multipartMeta
	if _, err := uuid.Parse(id); err != nil {
		return meta, fault.New(fault.ErrValidation, "blob", "invalid upload id")
	}
	data, err := os.ReadFile(filepath.Join(s.uploadDir(id), "upload.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return meta, fault.New(fault.ErrNotFound, "blob", "upload not found")
		}
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func (s *Store) writeMeta(id string, meta multipartMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = writeAtomic(filepath.Join(s.uploadDir(id), "upload.json"), strings.NewReader(string(data)))
	return err
}

func (s *Store) removeParts(id string) {
	entries, err := os.ReadDir(s.uploadDir(id))
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "part-") {
			_ = os.Remove(filepath.Join(s.uploadDir(id), e.Name()))
		}
	}
}

func writeAtomic(dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func fileMD5(f *os.File) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func notFound(key string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fault.Wrap(fault.ErrNotFound, "blob", "open", "object "+key+" not found", err)
	}
	return err
}

// SanitizeKey normalizes a key and prevents escaping the storage root.
func SanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fault.New(fault.ErrValidation, "blob", "key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, multipartDir) {
		return "", fault.New(fault.ErrValidation, "blob", "invalid key")
	}
	return cleaned, nil
}
