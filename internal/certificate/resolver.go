// Package certificate looks up rendered certificate files for attachment
// to campaign messages.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a requested certificate file does not exist
var ErrNotFound = errors.New("certificate not found")

// Formats selects which renderings are needed
type Formats struct {
	PDF bool
	JPG bool
}

// Files holds the resolved renderings. URLs are set only when the resolver
// knows a public location for the file.
type Files struct {
	PDF    []byte
	JPG    []byte
	PDFURL string
	JPGURL string
}

// Resolver resolves a certificate id to its rendered files
type Resolver interface {
	Resolve(ctx context.Context, certificateID string, formats Formats) (*Files, error)
}

// FileResolver reads certificates from <dir>/<id>.pdf and <dir>/<id>.jpg
type FileResolver struct {
	dir     string
	baseURL string
	maxSize int64
}

// NewFileResolver creates a resolver over dir. publicBaseURL, when set, is
// the URL prefix under which dir is served and is used for media links.
func NewFileResolver(dir, publicBaseURL string, maxSize int64) (*FileResolver, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open certificate directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if publicBaseURL != "" {
		if _, err := url.ParseRequestURI(publicBaseURL); err != nil {
			return nil, fmt.Errorf("invalid public base url: %w", err)
		}
	}
	if maxSize <= 0 {
		maxSize = 10 << 20
	}

	return &FileResolver{
		dir:     dir,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		maxSize: maxSize,
	}, nil
}

// Resolve implements Resolver
func (r *FileResolver) Resolve(ctx context.Context, certificateID string, formats Formats) (*Files, error) {
	if err := validateID(certificateID); err != nil {
		return nil, err
	}
	if !formats.PDF && !formats.JPG {
		return nil, fmt.Errorf("no certificate format requested")
	}

	files := &Files{}
	if formats.PDF {
		data, err := r.read(certificateID + ".pdf")
		if err != nil {
			return nil, err
		}
		files.PDF = data
		files.PDFURL = r.urlFor(certificateID + ".pdf")
	}
	if formats.JPG {
		data, err := r.read(certificateID + ".jpg")
		if err != nil {
			return nil, err
		}
		files.JPG = data
		files.JPGURL = r.urlFor(certificateID + ".jpg")
	}

	return files, nil
}

func (r *FileResolver) read(name string) ([]byte, error) {
	path := filepath.Join(r.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to stat certificate: %w", err)
	}
	if info.Size() > r.maxSize {
		return nil, fmt.Errorf("certificate %s is too large (%d bytes)", name, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	return data, nil
}

func (r *FileResolver) urlFor(name string) string {
	if r.baseURL == "" {
		return ""
	}
	return r.baseURL + "/" + url.PathEscape(name)
}

// validateID rejects ids that would escape the certificate directory
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("certificate id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid certificate id: %s", id)
	}
	return nil
}
