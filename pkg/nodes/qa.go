package nodes

import (
	"context"
	"fmt"
	"strings"

	"pulse/pkg/logx"
	"pulse/pkg/proto"
	"pulse/pkg/state"
)

// DefaultSearchResults is how many documents QA retrieves.
const DefaultSearchResults = 5

const noQuestionMessage = "No question provided. Please ask a question about the codebase."

// QAOptions configures a QA node.
type QAOptions struct {
	K       int
	Trimmer ContextTrimmer
}

// QA answers questions about the codebase without changing it.
type QA struct {
	retriever Retriever
	answerer  Answerer
	opts      QAOptions
	logger    *logx.Logger
}

// NewQA creates a QA node. A nil retriever answers without context.
func NewQA(retriever Retriever, answerer Answerer, opts QAOptions) *QA {
	if opts.K <= 0 {
		opts.K = DefaultSearchResults
	}
	return &QA{retriever: retriever, answerer: answerer, opts: opts, logger: logx.NewLogger("qa")}
}

// Run appends one assistant message and records the context it used.
func (q *QA) Run(ctx context.Context, s state.WorkflowState) state.Patch {
	question := strings.TrimSpace(s.UserRequest)
	if question == "" {
		return state.QAPatch{Messages: []proto.Message{proto.AssistantMessage(noQuestionMessage)}}
	}

	var docs []proto.Document
	if q.retriever != nil {
		found, err := q.retriever.Search(ctx, question, q.opts.K)
		if err != nil {
			q.logger.Warn("Retrieval failed, answering without context: %v", err)
		} else {
			docs = found
		}
	}

	fileContext := FormatContext(docs)
	if q.opts.Trimmer != nil {
		fileContext = q.opts.Trimmer.Trim(fileContext)
	}
	logx.Debug(ctx, "qa", "Retrieved %d documents (%d bytes of context)", len(docs), len(fileContext))

	answer := q.answer(ctx, question, fileContext)
	return state.QAPatch{
		Messages:    []proto.Message{proto.AssistantMessage(answer)},
		FileContext: &fileContext,
	}
}

func (q *QA) answer(ctx context.Context, question, fileContext string) string {
	if q.answerer == nil {
		return "Error generating answer: no answerer configured"
	}
	answer, err := q.answerer.Answer(ctx, question, fileContext)
	if err != nil {
		q.logger.Warn("Answer generation failed: %v", err)
		return fmt.Sprintf("Error generating answer: %v", err)
	}
	return answer
}
