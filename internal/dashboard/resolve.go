package dashboard

import (
	"io/fs"
	"path"
	"strings"

	"github.com/keithlinneman/edutoolbox/internal/pathutil"
	"github.com/keithlinneman/edutoolbox/internal/role"
)

// gateFor returns the role a dashboard path requires, or "" for public paths.
// The first segment is compared without case on every platform, so
// /Teacher/ cannot reach the teacher tree on a filesystem that folds case.
func gateFor(urlPath string) role.Role {
	first := strings.TrimPrefix(urlPath, "/")
	if i := strings.IndexByte(first, '/'); i >= 0 {
		first = first[:i]
	}
	for _, r := range []role.Role{role.Teacher, role.Student} {
		if strings.EqualFold(first, string(r)) {
			return r
		}
	}
	return ""
}

// resolvePath maps a URL path to a file name within fsys. A non-empty
// redirectTo asks the caller to send the client to the canonical slash URL.
func resolvePath(urlPath string, fsys fs.FS, loginFile string) (file, redirectTo string, ok bool) {
	p := urlPath
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.ContainsAny(p, "\x00\\") || strings.Contains(p, "..") || pathutil.HasDotSegments(p) {
		return "", "", false
	}

	trailing := strings.HasSuffix(p, "/")
	clean := path.Clean(p)

	if clean == "/" {
		return loginFile, "", existsFile(fsys, loginFile)
	}

	name := strings.TrimPrefix(clean, "/")
	switch {
	case trailing:
		name += "/index.html"
		return name, "", existsFile(fsys, name)
	case path.Ext(clean) != "":
		return name, "", existsFile(fsys, name)
	case existsFile(fsys, name+"/index.html"):
		return "", clean + "/", true
	case existsFile(fsys, name+".html"):
		return name + ".html", "", true
	}
	return "", "", false
}

func existsFile(fsys fs.FS, name string) bool {
	if name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
