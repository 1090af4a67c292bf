package librarysync

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/edutoolbox/internal/pathutil"
	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

// VersionFile, when present at the top of a bundle, names the library
// release in one line.
const VersionFile = "VERSION"

type limits struct {
	file  int64
	total int64
	files int
}

type extracted struct {
	files   int
	bytes   int64
	version string
}

// extractTarGz unpacks a gzipped tarball into dst, which must exist and be
// empty. Only regular files and directories are accepted; links, devices
// and any name that is absolute or climbs out of dst fail the whole bundle.
func extractTarGz(r io.Reader, dst string, lim limits) (extracted, error) {
	var out extracted

	gr, err := gzip.NewReader(r)
	if err != nil {
		return out, xerrors.Wrap(err, "open gzip")
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, xerrors.Wrap(err, "read tar header")
		}

		name, err := cleanEntryName(hdr.Name)
		if err != nil {
			return out, err
		}
		if name == "" || name == MarkerFile {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return out, xerrors.Wrapf(err, "mkdir %s", name)
			}

		case tar.TypeReg:
			out.files++
			if out.files > lim.files {
				return out, xerrors.Newf("bundle has more than %d files", lim.files)
			}
			if hdr.Size > lim.file {
				return out, xerrors.Newf("file %s exceeds max size (%d > %d)", name, hdr.Size, lim.file)
			}
			if out.bytes+hdr.Size > lim.total {
				return out, xerrors.Newf("bundle exceeds max extracted size %d", lim.total)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return out, xerrors.Wrapf(err, "mkdir for %s", name)
			}
			n, err := writeFile(target, tr, lim.file)
			if err != nil {
				return out, err
			}
			out.bytes += n
			if name == VersionFile {
				out.version = readVersion(target)
			}

		default:
			return out, xerrors.Newf("unsupported entry %s (type %q)", name, hdr.Typeflag)
		}
	}
	return out, nil
}

// cleanEntryName returns the slash-separated relative name for a tar entry,
// or "" for the archive root.
func cleanEntryName(raw string) (string, error) {
	if strings.ContainsAny(raw, "\x00\\") {
		return "", xerrors.Newf("invalid name in bundle: %q", raw)
	}
	if path.IsAbs(raw) || filepath.IsAbs(raw) || filepath.VolumeName(raw) != "" {
		return "", xerrors.Newf("absolute path in bundle: %s", raw)
	}
	if pathutil.HasDotSegments(strings.TrimSuffix(strings.TrimPrefix(raw, "./"), "/")) {
		return "", xerrors.Newf("path traversal in bundle: %s", raw)
	}
	name := path.Clean(raw)
	if name == "." {
		return "", nil
	}
	return name, nil
}

func writeFile(target string, r io.Reader, max int64) (int64, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, xerrors.Wrapf(err, "create %s", target)
	}
	n, err := io.Copy(f, io.LimitReader(r, max+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, xerrors.Wrapf(err, "write %s", target)
	}
	if n > max {
		return n, xerrors.Newf("file too large: %s", target)
	}
	return n, nil
}

func readVersion(name string) string {
	data, err := os.ReadFile(name)
	if err != nil {
		return ""
	}
	v, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	if len(v) > 64 {
		v = v[:64]
	}
	return strings.TrimSpace(v)
}
