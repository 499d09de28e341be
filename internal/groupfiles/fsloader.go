package groupfiles

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/PhucNguyen204/acctfilter/pkg/filterspec"
)

// File is one group definition file. Err is set when the file could not be
// read or parsed; Spec is then the zero value.
type File struct {
	Path string
	Spec filterspec.GroupSpec
	Err  error
}

func isYAML(p string) bool {
	l := strings.ToLower(p)
	return strings.HasSuffix(l, ".yml") || strings.HasSuffix(l, ".yaml")
}

// LoadDirRecursive reads every group definition under root, in walk order.
// A bad file does not stop the walk; only failures to walk root itself are
// returned as an error.
func LoadDirRecursive(root string) ([]File, error) {
	var out []File
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(p) {
			return nil
		}
		f := File{Path: p}
		b, err := os.ReadFile(p)
		if err != nil {
			f.Err = err
		} else {
			f.Spec, f.Err = filterspec.LoadGroupYAML(b)
		}
		out = append(out, f)
		return nil
	})
	return out, err
}
