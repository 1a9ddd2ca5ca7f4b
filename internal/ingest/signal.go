package ingest

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Signal is a recognized task signal, independent of its source (spec
// §4.3.1).
type Signal struct {
	ActiveTag *string
	TaskIDs   []string
	Lifecycle *string
	Source    string
}

func strPtr(s string) *string { return &s }

// fromExplicitFields recognizes the explicit-field shape: active_tag/tag,
// lifecycle/action, task_ids/active_tasks, task.
func fromExplicitFields(obj map[string]any) (Signal, bool) {
	tag := stringField(obj, "active_tag", "tag")
	lifecycle := stringField(obj, "lifecycle", "action")
	ids := stringListField(obj, "task_ids", "active_tasks")
	if t := stringField(obj, "task"); t != "" {
		ids = append(ids, t)
	}
	if tag == "" && lifecycle == "" && len(ids) == 0 {
		return Signal{}, false
	}
	sig := Signal{TaskIDs: ids, Source: "explicit_fields"}
	if tag != "" {
		sig.ActiveTag = strPtr(tag)
	}
	if lifecycle != "" {
		sig.Lifecycle = strPtr(lifecycle)
	}
	return sig, true
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func stringListField(obj map[string]any, keys ...string) []string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, item := range vv {
				switch s := item.(type) {
				case string:
					out = append(out, s)
				case float64:
					out = append(out, trimFloat(s))
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			if vv != "" {
				return []string{vv}
			}
		}
	}
	return nil
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return itoa64(int64(f))
	}
	return ""
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// taskmasterInvocation matches a Taskmaster-family shell invocation: tm,
// aoc-task, or taskmaster as the leading token.
var taskmasterInvocation = regexp.MustCompile(`^\s*(tm|aoc-task|taskmaster)\b`)

var tagFlag = regexp.MustCompile(`--tag[ =]("([^"]*)"|'([^']*)'|(\S+))`)
var statusPattern = regexp.MustCompile(`\bstatus\s+(\S+)\s+(\S+)`)
var donePattern = regexp.MustCompile(`\b(done|complete|completed)\s+(\S+)`)
var startPattern = regexp.MustCompile(`\b(start|resume)\s+(\S+)`)

// fromCommandLine recognizes a Taskmaster-family shell invocation, tokenizing
// with quotes normalized to spaces and extracting --tag and positional
// lifecycle patterns (spec §4.3.1).
func fromCommandLine(cmd string) (Signal, bool) {
	if !taskmasterInvocation.MatchString(cmd) {
		return Signal{}, false
	}
	normalized := strings.NewReplacer(`"`, " ", `'`, " ").Replace(cmd)

	sig := Signal{Source: "command_line"}
	found := false

	if m := tagFlag.FindStringSubmatch(cmd); m != nil {
		tag := firstNonEmpty(m[2], m[3], m[4])
		if tag != "" {
			sig.ActiveTag = strPtr(tag)
			found = true
		}
	}
	if m := statusPattern.FindStringSubmatch(normalized); m != nil {
		sig.Lifecycle = strPtr("status:" + m[2])
		sig.TaskIDs = append(sig.TaskIDs, m[1])
		found = true
	} else if m := donePattern.FindStringSubmatch(normalized); m != nil {
		sig.Lifecycle = strPtr(m[1])
		sig.TaskIDs = append(sig.TaskIDs, m[2])
		found = true
	} else if m := startPattern.FindStringSubmatch(normalized); m != nil {
		sig.Lifecycle = strPtr(m[1])
		sig.TaskIDs = append(sig.TaskIDs, m[2])
		found = true
	}
	return sig, found
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var tagCurrentInvocation = regexp.MustCompile(`\btag\s+current\b.*--json`)

type tagCurrentOutput struct {
	Tag string `json:"tag"`
}

var tagSubstring = regexp.MustCompile(`\{[^{}]*"tag"\s*:\s*"([^"]*)"[^{}]*\}`)

// fromTagCurrentCommand recognizes `tm tag current --json` output, whose
// stdout contains {"tag": "..."} (spec §4.3.1).
func fromTagCurrentCommand(cmd, stdout string) (Signal, bool) {
	if !taskmasterInvocation.MatchString(cmd) || !tagCurrentInvocation.MatchString(cmd) {
		return Signal{}, false
	}
	var out tagCurrentOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &out); err == nil && out.Tag != "" {
		return Signal{ActiveTag: strPtr(out.Tag), Source: "tag_current"}, true
	}
	if m := tagSubstring.FindStringSubmatch(stdout); m != nil && m[1] != "" {
		return Signal{ActiveTag: strPtr(m[1]), Source: "tag_current"}, true
	}
	return Signal{}, false
}

// fromSummaryShape recognizes a summary-shaped object: counts + active_tag
// present → lifecycle task_summary (spec §4.3.1).
func fromSummaryShape(obj map[string]any) (Signal, bool) {
	_, hasCounts := obj["counts"]
	tag := stringField(obj, "active_tag")
	if !hasCounts || tag == "" {
		return Signal{}, false
	}
	return Signal{ActiveTag: strPtr(tag), Lifecycle: strPtr("task_summary"), Source: "task_summary"}, true
}

// fromTaskUpdateShape recognizes a task-update-shaped object: task + action
// present → source task_update (spec §4.3.1).
func fromTaskUpdateShape(obj map[string]any) (Signal, bool) {
	task := stringField(obj, "task")
	action := stringField(obj, "action")
	if task == "" || action == "" {
		return Signal{}, false
	}
	return Signal{TaskIDs: []string{task}, Lifecycle: strPtr(action), Source: "task_update"}, true
}

// recognizeFromObject tries every explicit/shape-based recognizer over a
// parsed JSON object, in spec order.
func recognizeFromObject(obj map[string]any) (Signal, bool) {
	if sig, ok := fromExplicitFields(obj); ok {
		return sig, true
	}
	if sig, ok := fromSummaryShape(obj); ok {
		return sig, true
	}
	if sig, ok := fromTaskUpdateShape(obj); ok {
		return sig, true
	}
	return Signal{}, false
}

// recognizeFromToolInvocation tries command-line recognition over a
// tool_result's command/output pair, as used for Taskmaster shell calls.
func recognizeFromToolInvocation(command, stdout string) (Signal, bool) {
	if command == "" {
		return Signal{}, false
	}
	if sig, ok := fromTagCurrentCommand(command, stdout); ok {
		return sig, true
	}
	if sig, ok := fromCommandLine(command); ok {
		return sig, true
	}
	return Signal{}, false
}
