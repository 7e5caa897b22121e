package fsutil

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".heic": {},
	".dng":  {},
	".nef":  {},
	".nrw":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".pef":  {},
	".raf":  {},
	".srw":  {},
}

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".nrw": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".pef": {},
	".raf": {},
	".srw": {},
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".heic": "image/heic",
	".zip":  "application/zip",
}

// ListImages returns all image-like files under root in lexical order.
// Hidden files and directories are skipped.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && p != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(name) {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	_, isRaw := rawExts[ext]
	return isRaw
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	_, isImage := imageExts[ext]
	return isImage
}

// ContentType guesses a MIME type from the file extension.
func ContentType(p string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(p))]; ok {
		return ct
	}
	return "application/octet-stream"
}

var nonWord = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeFilename folds accents, then strips every character that is not
// ASCII word, dot or dash. An empty result becomes "file".
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	folded = strings.ReplaceAll(folded, " ", "_")
	clean := nonWord.ReplaceAllString(folded, "")
	clean = strings.Trim(clean, ".")
	if clean == "" {
		return "file"
	}
	return clean
}

// Folder sanitizes one key segment (user, tool or project folder).
func Folder(segment string) string {
	s := strings.ReplaceAll(SanitizeFilename(segment), ".", "")
	if s == "" {
		return "file"
	}
	return s
}

// ObjectKey builds user/{user}/{tool}/{project}/{unixMillis}-{filename}.
func ObjectKey(userID, toolFolder, projectFolder string, at time.Time, filename string) string {
	return path.Join("user", Folder(userID), Folder(toolFolder), Folder(projectFolder),
		fmt.Sprintf("%d-%s", at.UnixMilli(), SanitizeFilename(filename)))
}
