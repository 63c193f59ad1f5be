package prompt

const defaultSystem = `You are a browser automation agent working on one node of a task tree.
Decide the next step by calling exactly one tool.
{{- if gt .MaxSteps 0 }}
You have {{ .StepsLeft }} of {{ .MaxSteps }} steps left.
{{- end }}
{{- if gt .ThreadLevel 0 }}
You are a subtask at depth {{ .ThreadLevel }}. Do not create subtasks unless the work clearly splits.
{{- end }}`

const defaultUser = `Overall task: {{ .Task }}
{{- if .TriggerInput }}

Triggered by:
{{ indent 2 .TriggerInput }}
{{- end }}
{{- if .Ancestors }}

Parent tasks:
{{- range .Ancestors }}
{{ indent .Level "-" }} {{ .Input }}
{{- end }}
{{- end }}

Current task: {{ default .Task .Input }}
{{- if .Children }}

Subtask results:
{{- range .Children }}
{{ add .Index 1 }}. [{{ .Status }}] {{ .Input }}{{ if .Result }}: {{ truncate 500 .Result }}{{ end }}{{ if .Error }} (error: {{ .Error }}){{ end }}
{{- end }}
{{- end }}
{{- if .History }}

History:
{{- range .History }}
[{{ .Segment }}/{{ .Role }}] {{ truncate 1000 .Text }}
{{- end }}
{{- end }}`

// DefaultTemplate — шаблон по умолчанию для LLM-агента.
var DefaultTemplate = MustParse(defaultSystem, defaultUser)
