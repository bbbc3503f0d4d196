package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	agenttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"

	"career-agent/internal/domain"
)

const defaultNumberOfResults = 5

// retrieveAPI is the minimal Bedrock agent runtime interface required by Retriever.
type retrieveAPI interface {
	Retrieve(ctx context.Context, in *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
}

// Retriever queries a Bedrock knowledge base with hybrid search.
type Retriever struct {
	api             retrieveAPI
	knowledgeBaseID string
	results         int32
}

// NewRetriever creates a Retriever. A non-positive results uses 5.
func NewRetriever(api retrieveAPI, knowledgeBaseID string, results int) (*Retriever, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	if strings.TrimSpace(knowledgeBaseID) == "" {
		return nil, errors.New("bedrock: knowledge base id must not be empty")
	}
	if results <= 0 {
		results = defaultNumberOfResults
	}
	return &Retriever{api: api, knowledgeBaseID: knowledgeBaseID, results: int32(results)}, nil
}

// Retrieve returns the passages most relevant to query, best match first.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]domain.Document, error) {
	out, err := r.api.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(r.knowledgeBaseID),
		RetrievalQuery:  &agenttypes.KnowledgeBaseQuery{Text: aws.String(query)},
		RetrievalConfiguration: &agenttypes.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &agenttypes.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults:    aws.Int32(r.results),
				OverrideSearchType: agenttypes.SearchTypeHybrid,
			},
		},
	})
	if err != nil {
		var throttled *agenttypes.ThrottlingException
		if errors.As(err, &throttled) {
			return nil, fmt.Errorf("bedrock: retrieve: %w", &ThrottledError{Err: err})
		}
		return nil, fmt.Errorf("bedrock: retrieve: %w", err)
	}
	if out == nil {
		return nil, nil
	}

	docs := make([]domain.Document, 0, len(out.RetrievalResults))
	for _, res := range out.RetrievalResults {
		var doc domain.Document
		if res.Content != nil {
			doc.Content = aws.ToString(res.Content.Text)
		}
		if res.Location != nil && res.Location.S3Location != nil {
			doc.Location = aws.ToString(res.Location.S3Location.Uri)
		}
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
