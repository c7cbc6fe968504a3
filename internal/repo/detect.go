package repo

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Project describes what Detect learned about a checkout. TestCommand
// is the invocation most likely to run its test suite, nil when no
// convention was recognized.
type Project struct {
	Root        string
	Kind        string
	TestCommand []string
	HasTests    bool
}

// Detect sniffs the checkout for well-known project markers. Lock
// files decide how Python tests are launched: uv and poetry manage
// their own environments, so pytest must go through them.
func Detect(root string) Project {
	p := Project{Root: root, Kind: "unknown"}
	p.HasTests = exists(filepath.Join(root, "tests")) || exists(filepath.Join(root, "test"))

	switch {
	case exists(filepath.Join(root, "uv.lock")):
		p.Kind = "python"
		p.TestCommand = []string{"uv", "run", "pytest", "-q"}
	case exists(filepath.Join(root, "poetry.lock")):
		p.Kind = "python"
		p.TestCommand = []string{"poetry", "run", "pytest", "-q"}
	case exists(filepath.Join(root, "pyproject.toml")),
		exists(filepath.Join(root, "pytest.ini")),
		exists(filepath.Join(root, "setup.py")):
		p.Kind = "python"
		p.TestCommand = []string{"pytest", "-q"}
	case exists(filepath.Join(root, "go.mod")):
		p.Kind = "go"
		p.TestCommand = []string{"go", "test", "./..."}
	case exists(filepath.Join(root, "package.json")):
		p.Kind = "node"
		if hasNpmTestScript(filepath.Join(root, "package.json")) {
			p.TestCommand = []string{"npm", "test", "--silent"}
		}
	case exists(filepath.Join(root, "Makefile")):
		p.Kind = "make"
		if hasMakeTarget(filepath.Join(root, "Makefile"), "test") {
			p.TestCommand = []string{"make", "test"}
		}
	}

	if p.TestCommand == nil && p.Kind == "unknown" && p.HasTests {
		// A bare tests directory is almost always pytest.
		p.TestCommand = []string{"pytest", "-q"}
		p.Kind = "python"
	}
	return p
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func hasNpmTestScript(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	return pkg.Scripts["test"] != ""
}

func hasMakeTarget(path, target string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, target+":") {
			return true
		}
	}
	return false
}
