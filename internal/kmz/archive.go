package kmz

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxKMLBytes caps how much of a single KML entry is read into memory.
const DefaultMaxKMLBytes int64 = 64 << 20

// ErrNoKMLFound means the archive holds no entry with a .kml extension.
var ErrNoKMLFound = errors.New("no kml document found in archive")

// Document is the KML entry selected from an archive.
type Document struct {
	Name string
	Data []byte
}

// Extractor reads the KML document out of KMZ archives.
type Extractor struct {
	MaxBytes int64
}

// ExtractFile opens the archive at path and returns its first KML entry.
func (e Extractor) ExtractFile(path string) (Document, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return Document{}, fmt.Errorf("open kmz: %w", err)
	}
	defer r.Close()
	return e.extract(&r.Reader)
}

// EntryName reports which KML entry ExtractFile would read, without reading it.
func EntryName(path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open kmz: %w", err)
	}
	defer r.Close()
	entry, err := FindKML(&r.Reader)
	if err != nil {
		return "", err
	}
	return entry.Name, nil
}

// ExtractBytes reads an in-memory archive.
func (e Extractor) ExtractBytes(data []byte) (Document, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Document{}, fmt.Errorf("open kmz: %w", err)
	}
	return e.extract(r)
}

// FindKML returns the first entry whose name ends in .kml, ignoring case.
func FindKML(r *zip.Reader) (*zip.File, error) {
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(f.Name), ".kml") {
			return f, nil
		}
	}
	return nil, ErrNoKMLFound
}

func (e Extractor) extract(r *zip.Reader) (Document, error) {
	entry, err := FindKML(r)
	if err != nil {
		return Document{}, err
	}
	limit := e.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxKMLBytes
	}

	rc, err := entry.Open()
	if err != nil {
		return Document{}, fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", entry.Name, err)
	}
	if int64(len(data)) > limit {
		return Document{}, fmt.Errorf("kml entry %s too large (>%d bytes)", entry.Name, limit)
	}
	return Document{Name: entry.Name, Data: data}, nil
}
