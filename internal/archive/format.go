// Package archive streams members out of compressed containers one at a time.
// Random-access formats (zip, 7z) are read in place; solid stream formats
// (rar, tar family) are re-scanned per member, trading repeat decompression
// for per-entry durability.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/nwaples/rardecode/v2"
	"github.com/ulikunitz/xz"
	"github.com/yeka/zip"

	"github.com/bodgit/sevenzip"
)

// Member describes one archive entry
type Member struct {
	Index int
	Name  string
	Size  int64
	IsDir bool
}

// Reader is the decompression collaborator: list members, stream one member
// at a time, re-open with a secret when the container is protected.
type Reader interface {
	Members() []Member
	Stream(index int, out io.Writer) error
	Close() error
}

// ErrSecretRequired signals a password-protected container
var ErrSecretRequired = fmt.Errorf("archive requires a secret")

// Supported reports whether the file extension names a container we can open
func Supported(name string) bool {
	switch normalizedExt(name) {
	case ".zip", ".rar", ".7z", ".tar", ".tar.gz", ".tgz", ".tar.xz", ".tar.zst":
		return true
	}
	return false
}

func normalizedExt(name string) string {
	lower := strings.ToLower(name)
	for _, multi := range []string{".tar.gz", ".tar.xz", ".tar.zst"} {
		if strings.HasSuffix(lower, multi) {
			return multi
		}
	}
	return filepath.Ext(lower)
}

// Open dispatches on the container format. secret may be empty; a protected
// archive opened without one returns ErrSecretRequired.
func Open(path, secret string) (Reader, error) {
	switch normalizedExt(path) {
	case ".zip":
		return openZip(path, secret)
	case ".rar":
		return openRar(path, secret)
	case ".7z":
		return open7z(path, secret)
	case ".tar", ".tar.gz", ".tgz", ".tar.xz", ".tar.zst":
		return openTar(path)
	}
	return nil, fmt.Errorf("unsupported archive format: %s", filepath.Base(path))
}

// NeedsSecret probes whether the container demands a password before any
// member can stream.
func NeedsSecret(path string) (bool, error) {
	r, err := Open(path, "")
	if err != nil {
		if err == ErrSecretRequired {
			return true, nil
		}
		return false, err
	}
	r.Close()
	return false, nil
}

// --- zip ---

type zipReader struct {
	rc      *zip.ReadCloser
	secret  string
	members []Member
}

func openZip(path, secret string) (Reader, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	zr := &zipReader{rc: rc, secret: secret}
	for i, f := range rc.File {
		if f.IsEncrypted() && secret == "" {
			rc.Close()
			return nil, ErrSecretRequired
		}
		zr.members = append(zr.members, Member{
			Index: i,
			Name:  f.Name,
			Size:  int64(f.UncompressedSize64),
			IsDir: f.FileInfo().IsDir(),
		})
	}
	return zr, nil
}

func (z *zipReader) Members() []Member {
	return z.members
}

func (z *zipReader) Stream(index int, out io.Writer) error {
	if index < 0 || index >= len(z.rc.File) {
		return fmt.Errorf("zip member %d out of range", index)
	}
	f := z.rc.File[index]
	if f.IsEncrypted() {
		f.SetPassword(z.secret)
	}
	r, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip member %s: %w", f.Name, err)
	}
	defer r.Close()
	_, err = io.Copy(out, r)
	return err
}

func (z *zipReader) Close() error {
	return z.rc.Close()
}

// --- 7z ---

type sevenZipReader struct {
	rc      *sevenzip.ReadCloser
	members []Member
}

func open7z(path, secret string) (Reader, error) {
	var rc *sevenzip.ReadCloser
	var err error
	if secret != "" {
		rc, err = sevenzip.OpenReaderWithPassword(path, secret)
	} else {
		rc, err = sevenzip.OpenReader(path)
	}
	if err != nil {
		if isPasswordErr(err) {
			return nil, ErrSecretRequired
		}
		return nil, fmt.Errorf("failed to open 7z: %w", err)
	}
	sr := &sevenZipReader{rc: rc}
	for i, f := range rc.File {
		info := f.FileInfo()
		sr.members = append(sr.members, Member{
			Index: i,
			Name:  f.Name,
			Size:  info.Size(),
			IsDir: info.IsDir(),
		})
	}
	return sr, nil
}

func (s *sevenZipReader) Members() []Member {
	return s.members
}

func (s *sevenZipReader) Stream(index int, out io.Writer) error {
	if index < 0 || index >= len(s.rc.File) {
		return fmt.Errorf("7z member %d out of range", index)
	}
	f := s.rc.File[index]
	r, err := f.Open()
	if err != nil {
		if isPasswordErr(err) {
			return ErrSecretRequired
		}
		return fmt.Errorf("failed to open 7z member %s: %w", f.Name, err)
	}
	defer r.Close()
	_, err = io.Copy(out, r)
	return err
}

func (s *sevenZipReader) Close() error {
	return s.rc.Close()
}

// --- rar ---

type rarReader struct {
	path    string
	secret  string
	members []Member
}

func openRar(path, secret string) (Reader, error) {
	var opts []rardecode.Option
	if secret != "" {
		opts = append(opts, rardecode.Password(secret))
	}
	rc, err := rardecode.OpenReader(path, opts...)
	if err != nil {
		if isPasswordErr(err) {
			return nil, ErrSecretRequired
		}
		return nil, fmt.Errorf("failed to open rar: %w", err)
	}
	defer rc.Close()

	rr := &rarReader{path: path, secret: secret}
	for i := 0; ; i++ {
		hdr, err := rc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isPasswordErr(err) {
				return nil, ErrSecretRequired
			}
			return nil, fmt.Errorf("failed to scan rar: %w", err)
		}
		rr.members = append(rr.members, Member{
			Index: i,
			Name:  hdr.Name,
			Size:  hdr.UnPackedSize,
			IsDir: hdr.IsDir,
		})
	}
	return rr, nil
}

func (r *rarReader) Members() []Member {
	return r.members
}

func (r *rarReader) Stream(index int, out io.Writer) error {
	if index < 0 || index >= len(r.members) {
		return fmt.Errorf("rar member %d out of range", index)
	}
	var opts []rardecode.Option
	if r.secret != "" {
		opts = append(opts, rardecode.Password(r.secret))
	}
	rc, err := rardecode.OpenReader(r.path, opts...)
	if err != nil {
		return fmt.Errorf("failed to reopen rar: %w", err)
	}
	defer rc.Close()

	for i := 0; ; i++ {
		if _, err := rc.Next(); err != nil {
			return fmt.Errorf("failed to seek rar member %d: %w", index, err)
		}
		if i == index {
			_, err := io.Copy(out, rc)
			return err
		}
	}
}

func (r *rarReader) Close() error {
	return nil
}

// --- tar family ---

type tarReader struct {
	path    string
	members []Member
}

func openTar(path string) (Reader, error) {
	tr := &tarReader{path: path}
	err := tr.scan(func(i int, hdr *tar.Header) {
		tr.members = append(tr.members, Member{
			Index: i,
			Name:  hdr.Name,
			Size:  hdr.Size,
			IsDir: hdr.Typeflag == tar.TypeDir,
		})
	}, -1, nil)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// scan walks the tarball, invoking visit per header; when wantIndex >= 0 the
// walk stops there and copies the member body to out.
func (t *tarReader) scan(visit func(int, *tar.Header), wantIndex int, out io.Writer) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var stream io.Reader = f
	switch normalizedExt(t.path) {
	case ".tar.gz", ".tgz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		stream = gz
	case ".tar.xz":
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open xz stream: %w", err)
		}
		stream = xzr
	case ".tar.zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		stream = zr
	}

	rd := tar.NewReader(stream)
	for i := 0; ; i++ {
		hdr, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}
		if visit != nil {
			visit(i, hdr)
		}
		if i == wantIndex {
			_, err := io.Copy(out, rd)
			return err
		}
	}
}

func (t *tarReader) Members() []Member {
	return t.members
}

func (t *tarReader) Stream(index int, out io.Writer) error {
	if index < 0 || index >= len(t.members) {
		return fmt.Errorf("tar member %d out of range", index)
	}
	return t.scan(nil, index, out)
}

func (t *tarReader) Close() error {
	return nil
}

func isPasswordErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypt")
}
