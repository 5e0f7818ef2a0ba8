package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// maxAscent bounds the walk toward the filesystem root.
const maxAscent = 12

// ResolveGroupID derives the tenant scope from a working directory. In
// order: the git repository's root directory name, the go.mod module base,
// the package.json name, and finally the directory's own base name. Returns
// "" when cwd is empty or unusable.
func ResolveGroupID(cwd string) string {
	if cwd == "" {
		return ""
	}
	cwd = filepath.Clean(cwd)

	if root := findUp(cwd, ".git"); root != "" {
		return safeBase(root)
	}
	if dir := findUp(cwd, "go.mod"); dir != "" {
		if name := goModuleBase(filepath.Join(dir, "go.mod")); name != "" {
			return name
		}
	}
	if dir := findUp(cwd, "package.json"); dir != "" {
		if name := packageJSONName(filepath.Join(dir, "package.json")); name != "" {
			return name
		}
	}
	return safeBase(cwd)
}

// findUp walks from dir toward the root looking for marker; returns the
// directory containing it.
func findUp(dir, marker string) string {
	for i := 0; i < maxAscent; i++ {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
	return ""
}

// goModuleBase reads the module path from a go.mod and returns its last
// element.
func goModuleBase(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if modulePath, ok := strings.CutPrefix(line, "module "); ok {
			modulePath = strings.TrimSpace(modulePath)
			if i := strings.LastIndexByte(modulePath, '/'); i >= 0 {
				modulePath = modulePath[i+1:]
			}
			return modulePath
		}
	}
	return ""
}

// packageJSONName reads the name field, stripping any npm scope.
func packageJSONName(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var pkg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	name := pkg.Name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func safeBase(dir string) string {
	base := filepath.Base(dir)
	if base == "/" || base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
