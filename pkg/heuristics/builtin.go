package heuristics

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Defaults returns the built-in heuristics.
func Defaults() []Heuristic {
	return []Heuristic{NewFileCount(), NewTaskType(), NewLanguage()}
}

// FileCount scores by how many files a task touches.
type FileCount struct{}

// NewFileCount returns the file-count heuristic.
func NewFileCount() *FileCount { return &FileCount{} }

func (FileCount) Name() string  { return "FileCount" }
func (FileCount) Priority() int { return 10 }

func (FileCount) Evaluate(ctx Context) Result {
	n := len(ctx.Files)
	switch {
	case n == 0:
		return Result{Score: 0, Confidence: 0.3, Reasoning: "no files affected"}
	case n == 1:
		return Result{Score: 10, Confidence: 0.9, Reasoning: fmt.Sprintf("1 file (%s): narrow scope", ctx.Files[0])}
	case n == 2:
		return Result{Score: 20, Confidence: 0.85, Reasoning: "2 files: narrow scope"}
	}

	score := 20 + 5*(n-2)
	conf := 0.85
	switch {
	case n == 3:
		// Sits on the low/medium boundary.
		conf = 0.75
	case n >= 10:
		conf = 0.95
	}
	if score >= 100 {
		return Result{Score: 100, Confidence: 0.95, Reasoning: fmt.Sprintf("%d files: very wide scope", n)}
	}
	return Result{Score: score, Confidence: conf, Reasoning: fmt.Sprintf("%d files affected", n)}
}

// TaskType scores by keywords in the task description.
type TaskType struct {
	rules *ruleSet
}

// NewTaskType returns the task-type keyword heuristic.
func NewTaskType() *TaskType {
	return &TaskType{rules: newRuleSet(defaultKeywordClasses())}
}

func (*TaskType) Name() string  { return "TaskType" }
func (*TaskType) Priority() int { return 20 }

func (t *TaskType) Evaluate(ctx Context) Result {
	class, trigger, ok := t.rules.match(ctx.TaskDescription)
	if !ok {
		return Result{Score: 50, Confidence: 0.3, Reasoning: "no task-type keywords matched"}
	}
	return Result{
		Score:      class.score,
		Confidence: class.confidence,
		Reasoning:  fmt.Sprintf("%s (matched %q)", class.label, trigger),
	}
}

type language struct {
	name  string
	score int
}

var extensionLanguages = map[string]language{
	".md":    {"markdown", 5},
	".txt":   {"text", 5},
	".rst":   {"text", 5},
	".json":  {"data", 10},
	".yaml":  {"data", 10},
	".yml":   {"data", 10},
	".toml":  {"data", 10},
	".xml":   {"data", 10},
	".ini":   {"data", 10},
	".sh":    {"shell", 25},
	".py":    {"python", 28},
	".js":    {"javascript", 28},
	".ts":    {"typescript", 32},
	".tsx":   {"typescript", 32},
	".go":    {"go", 32},
	".cs":    {"csharp", 35},
	".sql":   {"sql", 35},
	".java":  {"java", 38},
	".kt":    {"kotlin", 38},
	".c":     {"c", 42},
	".h":     {"c", 42},
	".cpp":   {"cpp", 45},
	".cc":    {"cpp", 45},
	".hpp":   {"cpp", 45},
	".rs":    {"rust", 55},
	".scala": {"scala", 50},
}

// Language scores by the programming languages a task touches.
type Language struct{}

// NewLanguage returns the language-mix heuristic.
func NewLanguage() *Language { return &Language{} }

func (Language) Name() string  { return "Language" }
func (Language) Priority() int { return 30 }

func (Language) Evaluate(ctx Context) Result {
	if len(ctx.Files) == 0 {
		return Result{Score: 0, Confidence: 0.1, Reasoning: "no files to infer languages from"}
	}

	seen := make(map[string]int)
	for _, f := range ctx.Files {
		ext := strings.ToLower(filepath.Ext(f))
		lang, ok := extensionLanguages[ext]
		if !ok {
			lang = language{name: "unknown", score: 25}
		}
		seen[lang.name] = lang.score
	}

	names := make([]string, 0, len(seen))
	total := 0
	for name, score := range seen {
		names = append(names, name)
		total += score
	}
	sort.Strings(names)
	avg := total / len(names)

	if len(names) == 1 {
		return Result{Score: avg, Confidence: 0.9, Reasoning: fmt.Sprintf("single language: %s", names[0])}
	}
	return Result{
		Score:      avg,
		Confidence: 0.8,
		Reasoning:  fmt.Sprintf("%d languages (%s) averaged", len(names), strings.Join(names, ", ")),
	}
}
