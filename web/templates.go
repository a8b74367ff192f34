package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed templates
var templateFS embed.FS

type Templates struct {
	pages map[string]*PageTemplate
}

type PageTemplate struct {
	*template.Template
}

// NewTemplates parses the layout once and clones it for every page under
// templates/pages, so each page can define its own "content" block.
func NewTemplates() *Templates {
	base := template.New("").Funcs(TemplateFuncs())
	base = template.Must(base.ParseFS(templateFS, "templates/layout.html"))

	entries, err := fs.ReadDir(templateFS, "templates/pages")
	if err != nil {
		panic(fmt.Sprintf("Failed to read pages directory: %v", err))
	}

	pages := make(map[string]*PageTemplate)
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".html")
		if entry.IsDir() || !ok {
			continue
		}
		clone, err := base.Clone()
		if err != nil {
			panic(fmt.Sprintf("Failed to clone template for %s: %v", name, err))
		}
		if _, err := clone.ParseFS(templateFS, "templates/pages/"+entry.Name()); err != nil {
			panic(fmt.Sprintf("Failed to parse template for %s: %v", name, err))
		}
		pages[name] = &PageTemplate{Template: clone}
	}

	return &Templates{pages: pages}
}

func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"join":   strings.Join,
		"prefix": func() string { return Prefix },
	}
}

// RenderPage writes the whole page inside the layout.
func (pt *PageTemplate) RenderPage(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pt.ExecuteTemplate(w, "layout", data); err != nil {
		http.Error(w, "Template rendering error: "+err.Error(), http.StatusInternalServerError)
	}
}
