package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeReasoning    EventType = "reasoning"
	EventTypeToolCall     EventType = "tool_call"
	EventTypeToolResult   EventType = "tool_result"
	EventTypePolicyCheck  EventType = "policy_check"
	EventTypeWorkflow     EventType = "workflow"
	EventTypeStep         EventType = "step"
	EventTypeDraft        EventType = "draft"
	EventTypeVerdict      EventType = "verdict"
	EventTypeConfirmation EventType = "confirmation"
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypeLLM          EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	ChatID    string    `json:"chat_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. TaskID carries the workflow id.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	llmLogPath string
	maxSize    int64
}

func NewLogger() *Logger {
	return &Logger{
		out:        os.Stdout,
		llmLogPath: filepath.Join("logs", "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// NewLoggerTo writes events to w and disables the LLM file log.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{out: w}
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		l.write([]byte(fmt.Sprintf("{\"error\": \"failed to marshal event: %v\"}", err)))
		return
	}
	l.write(data)

	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		l.writeToFile(data)
	}
}

func (l *Logger) write(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n'))
}

func (l *Logger) writeToFile(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogWorkflow(chatID, workflowID string, from, to string, explanation string) {
	l.Log(Event{
		Type:   EventTypeWorkflow,
		ChatID: chatID,
		TaskID: workflowID,
		Data: map[string]string{
			"from":        from,
			"to":          to,
			"explanation": explanation,
		},
	})
}

func (l *Logger) LogStep(chatID, workflowID string, index int, operation, kind, outcome string) {
	l.Log(Event{
		Type:   EventTypeStep,
		ChatID: chatID,
		TaskID: workflowID,
		Data: map[string]any{
			"index":     index,
			"operation": operation,
			"kind":      kind,
			"outcome":   outcome,
		},
	})
}

func (l *Logger) LogDraft(chatID, workflowID, draftID, operation, status string) {
	l.Log(Event{
		Type:   EventTypeDraft,
		ChatID: chatID,
		TaskID: workflowID,
		Data: map[string]string{
			"draft_id":  draftID,
			"operation": operation,
			"status":    status,
		},
	})
}

func (l *Logger) LogVerdict(chatID, workflowID, verdict, reason string) {
	l.Log(Event{
		Type:   EventTypeVerdict,
		ChatID: chatID,
		TaskID: workflowID,
		Data:   map[string]string{"verdict": verdict, "reason": reason},
	})
}

func (l *Logger) LogConfirmation(chatID, workflowID, intent, tier string) {
	l.Log(Event{
		Type:   EventTypeConfirmation,
		ChatID: chatID,
		TaskID: workflowID,
		Data:   map[string]string{"intent": intent, "tier": tier},
	})
}

func (l *Logger) LogPolicy(chatID, workflowID, operation, effect, reason string) {
	l.Log(Event{
		Type:   EventTypePolicyCheck,
		ChatID: chatID,
		TaskID: workflowID,
		Data: map[string]string{
			"operation": operation,
			"effect":    effect,
			"reason":    reason,
		},
	})
}

func (l *Logger) LogToolCall(chatID, taskID, tool, args string) {
	l.Log(Event{
		Type:   EventTypeToolCall,
		ChatID: chatID,
		TaskID: taskID,
		Data: map[string]string{
			"tool": tool,
			"args": args,
		},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(chatID, taskID string, prompt any, response string, toolCalls any) {
	l.Log(Event{
		Type:   EventTypeLLM,
		ChatID: chatID,
		TaskID: taskID,
		Data: map[string]any{
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}
