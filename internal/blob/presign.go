package blob

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stackline/internal/fault"
)

// Presigned operations.
const (
	OpPut  = "put"
	OpPart = "part"
	OpGet  = "get"
)

// Claims authorize one operation on one key.
type Claims struct {
	Op       string `json:"op"`
	Key      string `json:"key"`
	UploadID string `json:"upl,omitempty"`
	Part     int    `json:"part,omitempty"`
	MaxSize  int64  `json:"max,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies presigned URLs.
type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner returns a signer that builds URLs under baseURL/blob/.
func NewSigner(secret, baseURL string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: []byte(secret), baseURL: strings.TrimRight(baseURL, "/"), ttl: ttl, now: time.Now}
}

// TTL returns the default lifetime of issued URLs.
func (s *Signer) TTL() time.Duration { return s.ttl }

// PutURL authorizes a single PUT of at most maxSize bytes.
func (s *Signer) PutURL(key string, maxSize int64) (string, time.Time, error) {
	return s.sign(Claims{Op: OpPut, Key: key, MaxSize: maxSize}, s.ttl)
}

// PartURL authorizes the PUT of one multipart part.
func (s *Signer) PartURL(key, uploadID string, part int, maxSize int64) (string, time.Time, error) {
	return s.sign(Claims{Op: OpPart, Key: key, UploadID: uploadID, Part: part, MaxSize: maxSize}, s.ttl)
}

// GetURL authorizes downloads of key for ttl, or the default lifetime.
func (s *Signer) GetURL(key string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.sign(Claims{Op: OpGet, Key: key}, ttl)
}

func (s *Signer) sign(c Claims, ttl time.Duration) (string, time.Time, error) {
	clean, err := SanitizeKey(c.Key)
	if err != nil {
		return "", time.Time{}, err
	}
	c.Key = clean
	now := s.now()
	exp := now.Add(ttl)
	c.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return fmt.Sprintf("%s/blob/%s?token=%s", s.baseURL, escapeKey(clean), url.QueryEscape(token)), exp, nil
}

// Verify checks token against the requested operation and key.
func (s *Signer) Verify(token, op, key string) (*Claims, error) {
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !tkn.Valid {
		return nil, fault.Wrap(fault.ErrValidation, "blob", "verify", "invalid or expired signature", err)
	}
	clean, err := SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	if claims.Op != op || claims.Key != clean {
		return nil, fault.New(fault.ErrValidation, "blob", "signature does not cover this request")
	}
	return claims, nil
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
