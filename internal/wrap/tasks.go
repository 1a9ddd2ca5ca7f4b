package wrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aoc/cockpit/internal/envelope"
)

// taskSummaryDebounce bounds how often the tasks watcher re-emits
// summaries after a filesystem event burst (spec §4.7 "debounces 500 ms").
const taskSummaryDebounce = 500 * time.Millisecond

// maxActiveTasksPerTag bounds how many in-progress tasks are listed per
// tag summary (spec §4.7 "up to N active tasks").
const maxActiveTasksPerTag = 10

// rawTask is one task entry as stored in tasks.json.
type rawTask struct {
	ID     json.Number `json:"id"`
	Title  string      `json:"title"`
	Status string      `json:"status"`
}

// TagDataset holds one tag's task list.
type TagDataset struct {
	Tasks []rawTask `json:"tasks"`
}

// TaskDataset is the current on-disk shape of tasks.json: tag name ->
// dataset (spec §6.4 "grouped by tag").
type TaskDataset map[string]TagDataset

// LoadTasksFile reads and parses path, promoting the two legacy shapes
// spec §6.4 names into the current tag-grouped shape:
//   - {"tasks": [...]}            -> {"master": {"tasks": [...]}}
//   - {"tags": {tag: {...}, ...}} -> {tag: {...}, ...}
func LoadTasksFile(path string) (TaskDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errTasksMissing
		}
		return nil, err
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, errTasksMalformed
	}

	if tagsRaw, ok := generic["tags"]; ok {
		var tags TaskDataset
		if err := json.Unmarshal(tagsRaw, &tags); err != nil {
			return nil, errTasksMalformed
		}
		return tags, nil
	}
	if tasksRaw, ok := generic["tasks"]; ok {
		var tasks []rawTask
		if err := json.Unmarshal(tasksRaw, &tasks); err != nil {
			return nil, errTasksMalformed
		}
		return TaskDataset{"master": {Tasks: tasks}}, nil
	}

	var tags TaskDataset
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, errTasksMalformed
	}
	return tags, nil
}

var (
	errTasksMissing   = fmt.Errorf("%s", envelope.CodeTasksMissing)
	errTasksMalformed = fmt.Errorf("%s", envelope.CodeTasksMalformed)
)

// Summarize builds the task_summary payload for one (agentID, tag) pair.
func Summarize(agentID, tag string, data TagDataset) envelope.TaskSummaryPayload {
	counts := envelope.TaskCounts{}
	var active []envelope.ActiveTaskSummary
	for _, t := range data.Tasks {
		counts.Total++
		switch t.Status {
		case "pending":
			counts.Pending++
		case "in-progress", "in_progress":
			counts.InProgress++
			if len(active) < maxActiveTasksPerTag {
				active = append(active, envelope.ActiveTaskSummary{ID: t.ID.String(), Title: t.Title, Status: t.Status})
			}
		case "done", "completed":
			counts.Done++
		case "blocked":
			counts.Blocked++
		}
	}
	return envelope.TaskSummaryPayload{AgentID: agentID, Tag: tag, Counts: counts, ActiveTasks: active}
}

// ErrorSummary builds the error-shaped task_summary payload for a tag when
// the dataset could not be loaded (spec §4.7 "on malformed/missing, emits
// an error payload").
func ErrorSummary(agentID, tag, code string) envelope.TaskSummaryPayload {
	return envelope.TaskSummaryPayload{AgentID: agentID, Tag: tag, Error: code}
}

// sortedTags returns ds's tag names in stable order.
func sortedTags(ds TaskDataset) []string {
	tags := make([]string, 0, len(ds))
	for t := range ds {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// TaskWatcher watches a taskmaster tasks.json (and its sibling state.json,
// for mtime-driven re-reads) and emits debounced per-tag summaries (spec
// §4.7 "Task summary").
type TaskWatcher struct {
	root    string
	agentID string
	watcher *fsnotify.Watcher
	emit    func(envelope.TaskSummaryPayload)
}

func tasksPath(root string) string { return filepath.Join(root, ".taskmaster", "tasks", "tasks.json") }
func statePath(root string) string { return filepath.Join(root, ".taskmaster", "state.json") }

// NewTaskWatcher builds a watcher rooted at root, calling emit for every
// resolved summary (or error summary).
func NewTaskWatcher(root, agentID string, emit func(envelope.TaskSummaryPayload)) (*TaskWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	tw := &TaskWatcher{root: root, agentID: agentID, watcher: w, emit: emit}
	_ = w.Add(filepath.Dir(tasksPath(root)))
	_ = w.Add(filepath.Dir(statePath(root)))
	return tw, nil
}

// Run blocks, debouncing filesystem events and re-emitting summaries,
// until stop is closed.
func (tw *TaskWatcher) Run(stop <-chan struct{}) {
	tw.reload()
	var timer *time.Timer
	debounced := make(chan struct{}, 1)
	for {
		select {
		case <-stop:
			tw.watcher.Close()
			return
		case _, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(taskSummaryDebounce, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case <-debounced:
			tw.reload()
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			_ = err
		}
	}
}

func (tw *TaskWatcher) reload() {
	ds, err := LoadTasksFile(tasksPath(tw.root))
	if err != nil {
		code := string(envelope.CodeTasksError)
		switch err {
		case errTasksMissing:
			code = string(envelope.CodeTasksMissing)
		case errTasksMalformed:
			code = string(envelope.CodeTasksMalformed)
		}
		tw.emit(ErrorSummary(tw.agentID, "", code))
		return
	}
	for _, tag := range sortedTags(ds) {
		tw.emit(Summarize(tw.agentID, tag, ds[tag]))
	}
}

// CurrentTag reads state.json's currentTag field, if present (spec §6.4:
// "an opt-in flag controls whether the observer adopts currentTag").
func CurrentTag(root string) (string, bool) {
	data, err := os.ReadFile(statePath(root))
	if err != nil {
		return "", false
	}
	var state struct {
		CurrentTag string `json:"currentTag"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return "", false
	}
	return state.CurrentTag, state.CurrentTag != ""
}
