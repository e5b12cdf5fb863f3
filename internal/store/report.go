package store

import (
	"bytes"
	"html/template"
	"path"
	"time"

	"github.com/runwarden/runwarden/internal/model"
)

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"base": path.Base,
	"ts": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.FileName}} - {{.Status}}</title>
<style>
body{font-family:sans-serif;margin:2em}
.completed{color:#1a7f37}.failed,.cancelled{color:#cf222e}
pre{background:#f6f8fa;padding:1em;overflow:auto}
img{max-width:100%;border:1px solid #ddd;margin:.5em 0}
</style>
</head>
<body>
<h1>{{.FileName}}</h1>
<table>
<tr><th>Status</th><td class="{{.Status}}">{{.Status}}</td></tr>
<tr><th>Execution</th><td>{{.ExecutionID}}</td></tr>
<tr><th>Script</th><td>{{.ScriptID}}</td></tr>
<tr><th>Started</th><td>{{ts .StartTime}}</td></tr>
{{- with .EndTime}}
<tr><th>Finished</th><td>{{ts .}}</td></tr>
{{- end}}
{{- with .DurationMs}}
<tr><th>Duration</th><td>{{.}} ms</td></tr>
{{- end}}
</table>
<h2>Output</h2>
<pre>{{.Output}}</pre>
{{- if .Error}}
<h2>Error</h2>
<pre>{{.Error}}</pre>
{{- end}}
{{- $id := .ExecutionID}}
{{- if .Screenshots}}
<h2>Screenshots</h2>
{{- range .Screenshots}}
<img src="/results/{{$id}}/screenshot/{{base .}}" alt="{{base .}}">
{{- end}}
{{- end}}
{{- if .Traces}}
<h2>Traces</h2>
<ul>
{{- range .Traces}}
<li><a href="/results/{{$id}}/trace/{{base .}}">{{base .}}</a></li>
{{- end}}
</ul>
{{- end}}
</body>
</html>
`))

func renderReport(rec model.StoredExecutionResult) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
