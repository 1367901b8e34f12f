package taskfile

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/taskr/pkg/api"
)

// BuiltinSource names the embedded default table.
const BuiltinSource = "builtin"

// DefaultNames are looked up, in order, by Discover.
var DefaultNames = []string{"taskr.yaml", "taskr.yml", "taskr.hcl"}

//go:embed defaults/taskr.yaml
var defaultsFS embed.FS

// Discover returns the first default taskfile present in dir.
func Discover(dir string) (string, bool) {
	for _, name := range DefaultNames {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

// Load reads a taskfile, choosing the format by extension.
func Load(path string) (*Table, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taskfile: %w", err)
	}
	baseDir := filepath.Dir(path)
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	var specs []api.TaskSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		specs, err = decodeHCL(path, content)
	case ".yaml", ".yml":
		specs, err = decodeYAML(content)
	default:
		return nil, fmt.Errorf("unsupported taskfile format: %s", path)
	}
	if err != nil {
		return nil, err
	}
	return build(path, specs, baseDir)
}

// LoadBuiltin returns the embedded default table. Commands run in the
// caller's working directory.
func LoadBuiltin() (*Table, error) {
	content, err := defaultsFS.ReadFile("defaults/taskr.yaml")
	if err != nil {
		return nil, err
	}
	specs, err := decodeYAML(content)
	if err != nil {
		return nil, err
	}
	return build(BuiltinSource, specs, "")
}

func build(src string, specs []api.TaskSpec, baseDir string) (*Table, error) {
	tasks := make([]*Task, 0, len(specs))
	for _, spec := range specs {
		task, err := fromSpec(spec, baseDir)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return NewTable(src, tasks)
}

func decodeYAML(content []byte) ([]api.TaskSpec, error) {
	var file api.TaskfileSpec
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse taskfile: %w", err)
	}
	return file.Tasks, nil
}

type hclFile struct {
	Tasks []*hclTask `hcl:"task,block"`
}

type hclTask struct {
	Name        string            `hcl:"name,label"`
	Description string            `hcl:"description,optional"`
	Commands    []string          `hcl:"commands,optional"`
	Deps        []string          `hcl:"deps,optional"`
	Env         map[string]string `hcl:"env,optional"`
	EnvFile     string            `hcl:"env_file,optional"`
	Dir         string            `hcl:"dir,optional"`
	Remote      *hclRemote        `hcl:"remote,block"`
}

type hclRemote struct {
	Addr    string   `hcl:"addr"`
	User    string   `hcl:"user,optional"`
	Key     string   `hcl:"key,optional"`
	Uploads []string `hcl:"uploads,optional"`
}

func decodeHCL(path string, content []byte) ([]api.TaskSpec, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(content, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	var parsed hclFile
	diags = gohcl.DecodeBody(f.Body, evalContext(), &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}
	specs := make([]api.TaskSpec, 0, len(parsed.Tasks))
	for _, t := range parsed.Tasks {
		spec := api.TaskSpec{
			Name:        t.Name,
			Description: t.Description,
			Commands:    t.Commands,
			Deps:        t.Deps,
			Env:         t.Env,
			EnvFile:     t.EnvFile,
			Dir:         t.Dir,
		}
		if t.Remote != nil {
			spec.Remote = &api.RemoteSpec{Addr: t.Remote.Addr, User: t.Remote.User, Key: t.Remote.Key, Uploads: t.Remote.Uploads}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// evalContext exposes the ambient environment as env.NAME.
func evalContext() *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			vars[kv[:i]] = cty.StringVal(kv[i+1:])
		}
	}
	env := cty.MapValEmpty(cty.String)
	if len(vars) > 0 {
		env = cty.MapVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}
