// Package events defines the orchestrator's domain event taxonomy and the
// sources the hub can subscribe to: an in-process Emitter and a NATS-backed
// source for events published by other services.
package events

import "context"

// Type names one kind of domain event.
type Type string

// Domain event types emitted by the orchestrator.
const (
	ProjectCreated Type = "project_created"
	ProjectUpdated Type = "project_updated"
	ProjectDeleted Type = "project_deleted"

	QuestionGenerated    Type = "question_generated"
	ResponseReceived     Type = "response_received"
	AnswerEvaluated      Type = "answer_evaluated"
	SpecificationUpdated Type = "specification_updated"

	CodeGenerationStarted   Type = "code_generation_started"
	CodeGenerationCompleted Type = "code_generation_completed"
	CodeGenerationFailed    Type = "code_generation_failed"

	DocumentUploaded     Type = "document_uploaded"
	DocumentProcessed    Type = "document_processed"
	KnowledgeBaseUpdated Type = "knowledge_base_updated"

	AgentStarted   Type = "agent_started"
	AgentCompleted Type = "agent_completed"
	AgentFailed    Type = "agent_failed"

	// Internal bookkeeping, never shown to clients.
	ProviderSelected       Type = "provider_selected"
	TaskComplexityAssessed Type = "task_complexity_assessed"
)

var allTypes = []Type{
	ProjectCreated, ProjectUpdated, ProjectDeleted,
	QuestionGenerated, ResponseReceived, AnswerEvaluated, SpecificationUpdated,
	CodeGenerationStarted, CodeGenerationCompleted, CodeGenerationFailed,
	DocumentUploaded, DocumentProcessed, KnowledgeBaseUpdated,
	AgentStarted, AgentCompleted, AgentFailed,
	ProviderSelected, TaskComplexityAssessed,
}

// AllTypes returns every domain event type. The slice is a copy.
func AllTypes() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// Payload is the free-form body of a domain event. Scoping keys are
// "project_id" and "user_id".
type Payload map[string]any

// Callback receives one domain event. It may block.
type Callback func(ctx context.Context, t Type, p Payload)

// Source delivers domain events. Callbacks registered for one type are
// invoked once per event, in emission order for that type.
type Source interface {
	On(t Type, cb Callback) error
}
