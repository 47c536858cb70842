package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{
		"since": func(t time.Time) string {
			return time.Since(t).Round(time.Second).String()
		},
		"stamp": func(t time.Time) string {
			return t.UTC().Format("2006-01-02 15:04:05 MST")
		},
	})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named template to w with data enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().UTC().Format(time.RFC822)
	return tmpl.ExecuteTemplate(w, name, data)
}
