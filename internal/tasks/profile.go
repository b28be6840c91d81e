// Package tasks implements the project task runner: install, test, run
// and clean, each a single independent step.
package tasks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"sudodev/internal/logging"
)

// ErrNoManifest is returned when a directory has no package manifest.
var ErrNoManifest = errors.New("no package manifest found")

// Profile maps the four tasks onto one kind of project.
type Profile struct {
	Name      string
	Manifests []string // any one of these marks a project of this kind

	Install []string
	Test    []string
	Run     []string

	// CleanDirs are removed relative to the project root. CleanPatterns are
	// file name globs removed anywhere in the tree.
	CleanDirs     []string
	CleanPatterns []string
}

// PythonProfile is the editable-install/pytest layout.
var PythonProfile = Profile{
	Name:          "python",
	Manifests:     []string{"pyproject.toml", "setup.py", "setup.cfg"},
	Install:       []string{"pip", "install", "-e", "."},
	Test:          []string{"pytest", "tests/"},
	Run:           []string{"python", "-m", "sudodev"},
	CleanDirs:     []string{"build", "dist", ".pytest_cache"},
	CleanPatterns: []string{"*.pyc"},
}

// GoProfile builds and tests this module.
var GoProfile = Profile{
	Name:          "go",
	Manifests:     []string{"go.mod"},
	Install:       []string{"go", "install", "./cmd/sudodev"},
	Test:          []string{"go", "test", "./..."},
	Run:           []string{"go", "run", "./cmd/sudodev"},
	CleanDirs:     []string{"build", "dist", "coverage"},
	CleanPatterns: []string{"*.test", "*.out"},
}

var profiles = map[string]Profile{
	PythonProfile.Name: PythonProfile,
	GoProfile.Name:     GoProfile,
}

// ProfileNames lists the built-in profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupProfile returns a built-in profile by name.
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q (want one of %v)", name, ProfileNames())
	}
	return p, nil
}

// DetectProfile picks go when go.mod exists, else python when a python
// manifest exists.
func DetectProfile(dir string) (Profile, error) {
	for _, p := range []Profile{GoProfile, PythonProfile} {
		if _, ok := p.manifest(dir); ok {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w in %s", ErrNoManifest, dir)
}

// ResolveProfile returns the named profile, detecting it when name is
// empty or "auto". A directory without any manifest resolves to the python
// profile; only install needs the manifest, and the runner checks that.
func ResolveProfile(name, dir string) (Profile, error) {
	if name != "" && name != "auto" {
		return LookupProfile(name)
	}
	p, err := DetectProfile(dir)
	if errors.Is(err, ErrNoManifest) {
		logging.TasksDebug("No manifest in %s, using the %s profile", dir, PythonProfile.Name)
		return PythonProfile, nil
	}
	return p, err
}

// manifest returns the first manifest of p present in dir.
func (p Profile) manifest(dir string) (string, bool) {
	for _, m := range p.Manifests {
		info, err := os.Stat(filepath.Join(dir, m))
		if err == nil && !info.IsDir() {
			return m, true
		}
	}
	return "", false
}
