package schemavalidation

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tagtime/internal/merge"
	"tagtime/internal/pinglog"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
}

func TestSchemaValidation(t *testing.T) {
	repoRoot := repoRoot(t)
	cases := []schemaCase{
		{
			name:         "merge-report",
			schemaPath:   filepath.Join(repoRoot, "docs", "schema", "merge-report-v1.schema.json"),
			instancePath: filepath.Join(repoRoot, "docs", "fixtures", "merge-report-v1.json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			instanceData, err := os.ReadFile(tc.instancePath)
			if err != nil {
				t.Fatalf("read instance: %v", err)
			}
			if err := validateInstance(t, tc.schemaPath, instanceData); err != nil {
				t.Fatalf("schema validation failed for %s: %v", filepath.Base(tc.instancePath), err)
			}
		})
	}
}

// TestMergeReportMatchesSchema checks the report the merge actually emits,
// not just the hand-written fixture.
func TestMergeReportMatchesSchema(t *testing.T) {
	schemaPath := filepath.Join(repoRoot(t), "docs", "schema", "merge-report-v1.schema.json")

	target := pinglog.Log{
		pinglog.NewEvent(1184097393, "work"),
		pinglog.NewEvent(1184097400, "typo"),
		pinglog.NewEvent(1184102685, "afk"),
	}
	reference := pinglog.Log{
		pinglog.NewEvent(1184098754, "lunch"),
		pinglog.NewEvent(1184102685, "reading"),
	}

	opts := merge.DefaultOptions()
	opts.OnMismatch = merge.MismatchWarn
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	result, err := merge.Merge(target, reference, opts)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	data, err := json.Marshal(result.Report)
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	if err := validateInstance(t, schemaPath, data); err != nil {
		t.Fatalf("merge report does not match schema: %v\n%s", err, data)
	}
}

func TestSchemaRejectsBadReport(t *testing.T) {
	schemaPath := filepath.Join(repoRoot(t), "docs", "schema", "merge-report-v1.schema.json")

	fixture, err := os.ReadFile(filepath.Join(repoRoot(t), "docs", "fixtures", "merge-report-v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	mutations := map[string]func(map[string]any){
		"negative count": func(m map[string]any) { m["missing"] = -1 },
		"missing field":  func(m map[string]any) { delete(m, "scheduled") },
		"bad run id":     func(m map[string]any) { m["run_id"] = "run-1" },
		"before epoch":   func(m map[string]any) { m["start"] = 1000 },
		"extra field":    func(m map[string]any) { m["notes"] = "x" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			var m map[string]any
			if err := json.Unmarshal(fixture, &m); err != nil {
				t.Fatalf("unmarshal fixture: %v", err)
			}
			mutate(m)
			data, err := json.Marshal(m)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if err := validateInstance(t, schemaPath, data); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func validateInstance(t *testing.T, schemaPath string, instanceData []byte) error {
	t.Helper()
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	var instance any
	if err := json.Unmarshal(instanceData, &instance); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	return schema.Validate(instance)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
