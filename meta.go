package mcp2

import "encoding/json"

// Reserved _meta / params keys recognized by the engine. metaRelatedTask is
// the actual wire string used by the Model Context Protocol Go SDK.
const (
	metaKey         = "_meta"
	metaProgressTok = "progressToken"
	metaRelatedTask = "io.modelcontextprotocol/related-task"

	// Legacy (pre-"task" top-level field) task-creation keys, accepted on
	// decode only; the engine never emits these.
	metaLegacyTaskID      = "taskId"
	metaLegacyKeepAlive   = "keepAlive"
	paramsTaskKey         = "task"
)

// Meta is a parsed _meta object: engine-recognized keys are surfaced via
// accessors, and any keys the caller supplied that the engine does not
// recognize are preserved verbatim (invariant I5).
type Meta map[string]json.RawMessage

// Clone returns a shallow copy of m, safe to mutate independently.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	cp := make(Meta, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// ProgressToken returns the progress token carried in m, and whether one was
// present.
func (m Meta) ProgressToken() (json.RawMessage, bool) {
	v, ok := m[metaProgressTok]
	return v, ok
}

// RelatedTaskID returns the taskId of the related-task tag carried in m, and
// whether one was present.
func (m Meta) RelatedTaskID() (string, bool) {
	raw, ok := m[metaRelatedTask]
	if !ok {
		return "", false
	}
	var tag struct {
		TaskID string `json:"taskId"`
	}
	if json.Unmarshal(raw, &tag) != nil {
		return "", false
	}
	return tag.TaskID, true
}

// TaskCreationParams is the current-form task-creation request: a
// top-level "task" field in the request params.
type TaskCreationParams struct {
	TTL          *int64 `json:"ttl,omitempty"`
	PollInterval *int64 `json:"pollInterval,omitempty"`
}

// taskRequestWrapper is used to pick the top-level "task" field, and the
// legacy pollFrequency spelling, out of raw request params without
// disturbing the rest of the payload.
type taskRequestWrapper struct {
	Task *struct {
		TTL           *int64 `json:"ttl,omitempty"`
		PollInterval  *int64 `json:"pollInterval,omitempty"`
		PollFrequency *int64 `json:"pollFrequency,omitempty"`
	} `json:"task,omitempty"`
}

// decodeTaskRequest extracts task-creation parameters from a request's raw
// params (current top-level "task" field) and from its parsed _meta
// (legacy taskId/keepAlive form). It normalizes the pollInterval/
// pollFrequency spelling variance.
func decodeTaskRequest(rawParams json.RawMessage, meta Meta) (*TaskCreationParams, bool) {
	if len(rawParams) != 0 {
		var w taskRequestWrapper
		if json.Unmarshal(rawParams, &w) == nil && w.Task != nil {
			tp := &TaskCreationParams{TTL: w.Task.TTL}
			if w.Task.PollInterval != nil {
				tp.PollInterval = w.Task.PollInterval
			} else {
				tp.PollInterval = w.Task.PollFrequency
			}
			return tp, true
		}
	}
	if raw, ok := meta[metaLegacyTaskID]; ok {
		// Legacy shape: presence of _meta.taskId means "promote to task";
		// it carries no ttl/pollInterval of its own.
		_ = raw
		return &TaskCreationParams{}, true
	}
	return nil, false
}

// augmentMeta returns params with _meta merged in, preserving any
// pre-existing _meta keys (invariant I5). progressToken, relatedTaskID, and
// task are additive and only written when non-empty/non-nil.
func augmentMeta(params json.RawMessage, progressToken json.RawMessage, relatedTaskID string, task *TaskCreationParams) (json.RawMessage, error) {
	if len(progressToken) == 0 && relatedTaskID == "" && task == nil {
		return params, nil
	}

	obj := map[string]json.RawMessage{}
	if len(params) != 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			// params is not an object (e.g. an array); it is dropped and
			// replaced by an object so _meta still has somewhere to live.
			obj = map[string]json.RawMessage{}
		}
	}

	meta := map[string]json.RawMessage{}
	if raw, ok := obj[metaKey]; ok {
		json.Unmarshal(raw, &meta) //nolint:errcheck // best effort preserve
	}
	if len(progressToken) != 0 {
		meta[metaProgressTok] = progressToken
	}
	if relatedTaskID != "" {
		tag, _ := json.Marshal(map[string]string{"taskId": relatedTaskID})
		meta[metaRelatedTask] = tag
	}
	if len(meta) != 0 {
		metaBits, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		obj[metaKey] = metaBits
	}
	if task != nil {
		taskBits, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}
		obj[paramsTaskKey] = taskBits
	}
	return json.Marshal(obj)
}

// parseMeta extracts the _meta object from raw request/response params, if
// any.
func parseMeta(params json.RawMessage) Meta {
	if len(params) == 0 {
		return nil
	}
	var obj struct {
		Meta Meta `json:"_meta"`
	}
	if json.Unmarshal(params, &obj) != nil {
		return nil
	}
	return obj.Meta
}

// withRelatedTask returns a copy of meta with the related-task tag set,
// creating the map if necessary. It is used to stamp side-channel
// requests/notifications issued by a task handler.
func withRelatedTask(meta Meta, taskID string) Meta {
	cp := meta.Clone()
	if cp == nil {
		cp = Meta{}
	}
	tag, _ := json.Marshal(map[string]string{"taskId": taskID})
	cp[metaRelatedTask] = tag
	return cp
}
