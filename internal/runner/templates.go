package runner

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

//go:embed conf/*.conf.tmpl
var confTemplates embed.FS

// DaemonNames lists the daemon configurations shipped as templates, in
// start order.
var DaemonNames = []string{"master", "minion", "sub_minion", "syndic_master", "syndic"}

// ConfigData feeds the daemon configuration templates
type ConfigData struct {
	User      string
	RootDir   string
	TmpRoot   string
	Transport string
}

// templateEngine renders configuration templates with the sprig funcmap
type templateEngine struct {
	funcs template.FuncMap
}

func newTemplateEngine() *templateEngine {
	return &templateEngine{funcs: sprig.TxtFuncMap()}
}

// RenderDaemonConf renders the embedded template for the named daemon
func (e *templateEngine) RenderDaemonConf(name string, data ConfigData) ([]byte, error) {
	content, err := confTemplates.ReadFile(fmt.Sprintf("conf/%s.conf.tmpl", name))
	if err != nil {
		return nil, fmt.Errorf("no configuration template for daemon %q: %w", name, err)
	}
	return e.render(name, string(content), data)
}

// RenderFile renders an on-disk template, used for extra configuration
// files supplied alongside the built-in daemon set.
func (e *templateEngine) RenderFile(path string, data ConfigData) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return e.render(filepath.Base(path), string(content), data)
}

func (e *templateEngine) render(name, content string, data ConfigData) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(e.funcs).Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
