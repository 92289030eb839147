// Package workspace derives target identities and manages the hash-sharded
// workspace directories holding each target's generated artifacts.
package workspace

import (
	"bytes"
	"encoding/json"
	"path/filepath"

	"github.com/rotisserie/eris"
	"gopkg.in/ini.v1"

	"compass-pipeline/internal/model"
	"compass-pipeline/pkg/utils"
)

const (
	projectFileName = "project.json"
	setupFileName   = "setup.cfg"
	logFileName     = "all.log"
)

// ProjectSections is the project definition artifact: key -> backend -> urls
type ProjectSections map[string]map[string][]string

// MetricsInput is the metrics input artifact: label -> platform -> urls
type MetricsInput map[string]map[string][]string

// GeneralSettings are the non-backend sections of the backend configuration.
// Template, when set, is the base collector configuration the generated
// sections are laid over.
type GeneralSettings struct {
	OutputStoreURL string
	Template       string
}

// Manager owns the workspace tree under a storage root
type Manager struct {
	root string
}

// NewManager creates a manager rooted at root
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve storage root %s", root)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute storage root
func (m *Manager) Root() string { return m.root }

// Paths returns the workspace locations for a content hash without touching
// the filesystem
func (m *Manager) Paths(hash string) (model.WorkspacePaths, error) {
	if len(hash) < 3 {
		return model.WorkspacePaths{}, eris.Errorf("workspace hash %q too short", hash)
	}
	dir := filepath.Join(m.root, hash[:2], hash[2:])
	logs := filepath.Join(dir, "logs")
	metrics := filepath.Join(dir, "metrics")
	return model.WorkspacePaths{
		Root:        dir,
		Logs:        logs,
		Metrics:     metrics,
		ProjectFile: filepath.Join(dir, projectFileName),
		MetricsFile: filepath.Join(metrics, projectFileName),
		SetupFile:   filepath.Join(dir, setupFileName),
		LogFile:     filepath.Join(logs, logFileName),
	}, nil
}

// Provision creates the workspace directories for hash. Existing directories
// are left untouched.
func (m *Manager) Provision(hash string) (model.WorkspacePaths, error) {
	paths, err := m.Paths(hash)
	if err != nil {
		return model.WorkspacePaths{}, err
	}
	for _, dir := range []string{paths.Root, paths.Logs, paths.Metrics} {
		if err := utils.EnsureDir(dir); err != nil {
			return model.WorkspacePaths{}, err
		}
	}
	return paths, nil
}

// WriteProjectArtifact overwrites the project definition artifact
func (m *Manager) WriteProjectArtifact(paths model.WorkspacePaths, sections ProjectSections) error {
	data, err := marshalSorted(sections)
	if err != nil {
		return eris.Wrap(err, "encode project artifact")
	}
	return utils.WriteFileAtomic(paths.ProjectFile, data)
}

// WriteMetricsInputArtifact overwrites the metrics input artifact
func (m *Manager) WriteMetricsInputArtifact(paths model.WorkspacePaths, input MetricsInput) error {
	data, err := marshalSorted(input)
	if err != nil {
		return eris.Wrap(err, "encode metrics input artifact")
	}
	return utils.WriteFileAtomic(paths.MetricsFile, data)
}

// WriteBackendConfig renders the collector configuration. Template sections
// keep their order; generated keys override template keys and a planned
// backend replaces a template section of the same name. Backend sections
// follow plan order.
func (m *Manager) WriteBackendConfig(paths model.WorkspacePaths, plan model.BackendPlan, general GeneralSettings) error {
	cfg, err := loadTemplate(general.Template)
	if err != nil {
		return err
	}

	overrides := []struct {
		name, key, value string
	}{
		{"general", "logs_dir", paths.Logs},
		{"projects", "projects_file", paths.ProjectFile},
		{"es_collection", "url", general.OutputStoreURL},
		{"es_enrichment", "url", general.OutputStoreURL},
	}
	for _, o := range overrides {
		sec, err := section(cfg, o.name)
		if err != nil {
			return err
		}
		sec.Key(o.key).SetValue(o.value)
	}

	for _, b := range plan.Backends {
		cfg.DeleteSection(b.Name)
		sec, err := cfg.NewSection(b.Name)
		if err != nil {
			return eris.Wrapf(err, "add backend section %s", b.Name)
		}
		for _, setting := range b.Settings {
			if _, err := sec.NewKey(setting.Key, setting.Value); err != nil {
				return eris.Wrapf(err, "add %s.%s", b.Name, setting.Key)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return eris.Wrap(err, "render backend config")
	}
	return utils.WriteFileAtomic(paths.SetupFile, buf.Bytes())
}

func loadTemplate(path string) (*ini.File, error) {
	if path == "" {
		return ini.Empty(), nil
	}
	cfg, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, eris.Wrapf(err, "load collector config template %s", path)
	}
	return cfg, nil
}

func section(cfg *ini.File, name string) (*ini.Section, error) {
	if sec, err := cfg.GetSection(name); err == nil {
		return sec, nil
	}
	sec, err := cfg.NewSection(name)
	if err != nil {
		return nil, eris.Wrapf(err, "add section %s", name)
	}
	return sec, nil
}

// marshalSorted encodes v as indented JSON. Map keys are emitted sorted, so
// equal inputs give equal bytes.
func marshalSorted(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MetricsInputForTarget is the metrics input of a single repository run
func MetricsInputForTarget(t model.Target) MetricsInput {
	return MetricsInput{
		t.Key: {string(t.Platform): {t.URL}},
	}
}

// MetricsInputForAggregate labels each category as <community>-<category>
func MetricsInputForAggregate(a *model.Aggregate) MetricsInput {
	input := make(MetricsInput, len(a.Categories))
	for _, c := range a.Categories {
		byPlatform := make(map[string][]string)
		for _, t := range c.Targets {
			byPlatform[string(t.Platform)] = append(byPlatform[string(t.Platform)], t.URL)
		}
		input[a.Name+"-"+c.Name] = byPlatform
	}
	return input
}
