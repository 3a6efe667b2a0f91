package orchestrator

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/ChuLiYu/forge-dispatch/internal/projectctx"
)

// 專案脈絡模板：相同輸入永遠產生相同文字

var templates = template.Must(template.New("root").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`
{{- define "asset" -}}
{{ .Prompt }}
Asset type: {{ .AssetType }}.
{{- with .Styles }} Style: {{ join . ", " }}.{{ end }}
{{- template "project" .Project }}
{{- end -}}

{{- define "code" -}}
Project "{{ .Name }}"
{{- with .Genre }}, a {{ . }} game{{ end }}
{{- with .SubjectMatter }} about {{ . }}{{ end }}.
{{- with .Assets }} Known assets:{{ range . }} {{ .Name }} ({{ .Type }});{{ end }}{{ end }}
{{- end -}}

{{- define "project" -}}
{{ with .Name }} Project: {{ . }}.{{ end }}
{{- with .Genre }} Genre: {{ . }}.{{ end }}
{{- with .SubjectMatter }} Subject matter: {{ . }}.{{ end }}
{{- with .StyleGuidelines }} Guidelines: {{ join . "; " }}.{{ end }}
{{- end -}}
`))

type assetPromptData struct {
	Prompt    string
	AssetType string
	Styles    []string
	Project   *projectctx.ProjectContext
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
