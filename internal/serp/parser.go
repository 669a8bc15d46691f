package serp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/hsn0918/serptrack/internal/domain"
)

// Common parse errors. Both indicate a payload the pool should treat as a
// parse failure and retry on another credential.
var (
	// ErrMalformedPayload indicates the provider body was not valid JSON.
	ErrMalformedPayload = errors.New("serp: malformed provider payload")
	// ErrMissingSearchInfo indicates a native SERP body without the
	// search_information block.
	ErrMissingSearchInfo = errors.New("serp: response missing search_information")
)

// RequestMeta carries execution context the parser stamps onto the record.
type RequestMeta struct {
	Provider     Provider
	CredentialID string
	RequestID    string
	ProcessingMS int64
	Usage        *AccountUsage
}

// nativeResponse is the native SERP provider body. Feature blocks are kept
// as raw JSON: only presence and cardinality matter for validation.
type nativeResponse struct {
	SearchMetadata struct {
		ID             string  `json:"id"`
		TotalTimeTaken float64 `json:"total_time_taken"`
	} `json:"search_metadata"`
	SearchInformation *struct {
		TotalResults flexCount `json:"total_results"`
	} `json:"search_information"`
	OrganicResults []organicResult   `json:"organic_results"`
	Ads            []json.RawMessage `json:"ads"`
	AnswerBox      json.RawMessage   `json:"answer_box"`
	KnowledgeGraph json.RawMessage   `json:"knowledge_graph"`
	LocalResults   *struct {
		Places []json.RawMessage `json:"places"`
	} `json:"local_results"`
	InlineImages     []json.RawMessage `json:"inline_images"`
	InlineVideos     []json.RawMessage `json:"inline_videos"`
	RelatedSearches  []json.RawMessage `json:"related_searches"`
	RelatedQuestions []struct {
		Question      string `json:"question"`
		BlockPosition *int   `json:"block_position"`
	} `json:"related_questions"`
}

type organicResult struct {
	Position *int   `json:"position"`
	Link     string `json:"link"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
}

// cseResponse is the custom search API body.
type cseResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
	SearchInformation *struct {
		TotalResults string  `json:"totalResults"`
		SearchTime   float64 `json:"searchTime"`
	} `json:"searchInformation"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Parse turns a raw provider response into the canonical ranking record.
// The provider tag in meta selects the payload shape.
func Parse(keyword string, raw []byte, opts Options, meta RequestMeta) (*RankingRecord, error) {
	switch meta.Provider {
	case ProviderCustomSearch:
		return parseCustomSearch(keyword, raw, opts, meta)
	default:
		return parseNativeSERP(keyword, raw, opts, meta)
	}
}

// bestMatch is the organic entry chosen as representing the target domain.
type bestMatch struct {
	index  int // zero-based
	result organicResult
	match  domain.Result
}

func parseNativeSERP(keyword string, raw []byte, opts Options, meta RequestMeta) (*RankingRecord, error) {
	var resp nativeResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if resp.SearchInformation == nil {
		return nil, ErrMissingSearchInfo
	}

	rec := newRecord(keyword, opts, meta)
	rec.TotalResults = int64(resp.SearchInformation.TotalResults)
	rec.OrganicCount = len(resp.OrganicResults)
	rec.Metadata.RequestID = firstNonEmpty(resp.SearchMetadata.ID, meta.RequestID)
	rec.Metadata.EngineTimeSeconds = resp.SearchMetadata.TotalTimeTaken

	features := detectFeatures(&resp)
	rec.Validation.Features = features
	rec.Validation.OrganicCount = len(resp.OrganicResults)
	rec.Validation.TotalItems = totalItems(&resp)
	rec.Competitors = nativeCompetitors(resp.OrganicResults)

	best := selectBestMatch(resp.OrganicResults, opts.Domain)
	if best == nil {
		finishRecord(rec)
		return rec, nil
	}

	oneBasedIndex := best.index + 1
	rec.Validation.ArrayIndex = oneBasedIndex
	rec.URL = best.result.Link
	rec.Title = best.result.Title
	rec.Snippet = best.result.Snippet

	var position int
	if p := best.result.Position; p != nil && *p >= 1 {
		position = *p
		rec.Validation.Source = SourceProviderField
		rec.Validation.Method = "provider_field"
		if diff := abs(position - oneBasedIndex); diff > 3 {
			rec.Validation.Warnings = append(rec.Validation.Warnings,
				fmt.Sprintf("provider position %d deviates from array index %d by %d", position, oneBasedIndex, diff))
		}
	} else {
		offset := featureOffset(&resp, best.index)
		position = oneBasedIndex + offset
		rec.Validation.Source = SourceArrayIndex
		rec.Validation.Method = "array_index_with_feature_offset"
		rec.Validation.Warnings = append(rec.Validation.Warnings,
			fmt.Sprintf("no provider position, derived from array index %d with feature offset %d", oneBasedIndex, offset))
	}

	rec.Position = &position
	rec.Found = true
	rec.Validation.OriginalPosition = intPtr(position)

	if opts.Verify {
		crossVerify(rec, &resp, position, oneBasedIndex)
	}

	finishRecord(rec)
	return rec, nil
}

func parseCustomSearch(keyword string, raw []byte, opts Options, meta RequestMeta) (*RankingRecord, error) {
	var resp cseResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("serp: custom search error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	rec := newRecord(keyword, opts, meta)
	rec.OrganicCount = len(resp.Items)
	rec.Validation.OrganicCount = len(resp.Items)
	rec.Validation.TotalItems = len(resp.Items)
	if resp.SearchInformation != nil {
		if n, err := strconv.ParseInt(resp.SearchInformation.TotalResults, 10, 64); err == nil {
			rec.TotalResults = n
		}
		rec.Metadata.EngineTimeSeconds = resp.SearchInformation.SearchTime
	}

	for i, item := range resp.Items {
		if i < maxCompetitors && item.Link != "" {
			rec.Competitors = append(rec.Competitors, Competitor{
				Position: i + 1,
				URL:      item.Link,
				Domain:   domain.ExtractDomain(item.Link),
				Title:    item.Title,
			})
		}
	}

	// The custom search API has no position field: the rank is strictly the
	// one-based array index.
	for i, item := range resp.Items {
		m := domain.Match(domain.ExtractDomain(item.Link), opts.Domain)
		if !m.Matched {
			continue
		}
		position := i + 1
		rec.Position = &position
		rec.Found = true
		rec.URL = item.Link
		rec.Title = item.Title
		rec.Snippet = item.Snippet
		rec.Validation.ArrayIndex = position
		rec.Validation.OriginalPosition = intPtr(position)
		rec.Validation.Source = SourceArrayIndex
		rec.Validation.Method = "array_index"
		break
	}

	finishRecord(rec)
	return rec, nil
}

// selectBestMatch picks the organic result representing the target: highest
// match confidence wins, ties prefer an entry carrying a provider position,
// remaining ties keep the earliest index. An exact match that also carries a
// valid position short-circuits the scan; an exact match without one does
// not, so a later positioned entry can still win the tie-break.
func selectBestMatch(organics []organicResult, target string) *bestMatch {
	var best *bestMatch
	for i, r := range organics {
		d := domain.ExtractDomain(r.Link)
		if d == "" {
			continue
		}
		m := domain.Match(d, target)
		if !m.Matched {
			continue
		}
		candidate := &bestMatch{index: i, result: r, match: m}
		if best == nil || betterMatch(candidate, best) {
			best = candidate
		}
		if m.Type == domain.MatchExact && hasValidPosition(r) {
			return best
		}
	}
	return best
}

func betterMatch(candidate, current *bestMatch) bool {
	if candidate.match.Confidence != current.match.Confidence {
		return candidate.match.Confidence > current.match.Confidence
	}
	cp, bp := hasValidPosition(candidate.result), hasValidPosition(current.result)
	if cp != bp {
		return cp
	}
	return false // equal quality keeps the earlier index
}

func hasValidPosition(r organicResult) bool {
	return r.Position != nil && *r.Position >= 1
}

// featureOffset estimates how many non-organic blocks precede the matched
// entry: all ads, the answer box, the local pack, and any people-also-ask
// blocks anchored before the match index.
func featureOffset(resp *nativeResponse, matchIndex int) int {
	offset := len(resp.Ads)
	if len(resp.AnswerBox) > 0 {
		offset++
	}
	if resp.LocalResults != nil {
		offset += len(resp.LocalResults.Places)
	}
	for _, q := range resp.RelatedQuestions {
		if q.BlockPosition != nil && *q.BlockPosition <= matchIndex {
			offset++
		}
	}
	return offset
}

func detectFeatures(resp *nativeResponse) []Feature {
	var features []Feature
	if n := len(resp.Ads); n > 0 {
		features = append(features, Feature{Type: FeatureAds, Count: n})
	}
	if len(resp.AnswerBox) > 0 {
		features = append(features, Feature{Type: FeatureFeaturedSnippet, Count: 1})
	}
	if len(resp.KnowledgeGraph) > 0 {
		features = append(features, Feature{Type: FeatureKnowledgePanel, Count: 1})
	}
	if resp.LocalResults != nil && len(resp.LocalResults.Places) > 0 {
		features = append(features, Feature{Type: FeatureLocalPack, Count: len(resp.LocalResults.Places)})
	}
	if n := len(resp.InlineImages); n > 0 {
		features = append(features, Feature{Type: FeatureImages, Count: n})
	}
	if n := len(resp.InlineVideos); n > 0 {
		features = append(features, Feature{Type: FeatureVideos, Count: n})
	}
	if n := len(resp.RelatedSearches); n > 0 {
		features = append(features, Feature{Type: FeatureRelatedSearches, Count: n})
	}
	if n := len(resp.RelatedQuestions); n > 0 {
		features = append(features, Feature{Type: FeaturePeopleAlsoAsk, Count: n})
	}
	return features
}

func totalItems(resp *nativeResponse) int {
	total := len(resp.OrganicResults) + len(resp.Ads) + len(resp.RelatedQuestions)
	if len(resp.AnswerBox) > 0 {
		total++
	}
	if len(resp.KnowledgeGraph) > 0 {
		total++
	}
	if resp.LocalResults != nil {
		total += len(resp.LocalResults.Places)
	}
	return total
}

func nativeCompetitors(organics []organicResult) []Competitor {
	var competitors []Competitor
	for _, r := range organics {
		if len(competitors) == maxCompetitors {
			break
		}
		if r.Link == "" || !hasValidPosition(r) {
			continue
		}
		competitors = append(competitors, Competitor{
			Position: *r.Position,
			URL:      r.Link,
			Domain:   domain.ExtractDomain(r.Link),
			Title:    r.Title,
		})
	}
	return competitors
}

// crossVerify checks the reported position against the array index within
// the discrepancy window the visible SERP features allow.
func crossVerify(rec *RankingRecord, resp *nativeResponse, position, arrayIndex int) {
	expected := len(resp.Ads)
	if len(resp.AnswerBox) > 0 {
		expected++
	}
	if resp.LocalResults != nil && len(resp.LocalResults.Places) > 0 {
		expected++
	}

	discrepancy := abs(position - arrayIndex)
	if discrepancy <= expected+2 {
		rec.Validation.Source = SourceCrossVerified
		rec.Validation.Method = "cross_verified"
		rec.Validation.VerifiedPosition = intPtr(position)
		return
	}

	rec.Validation.Warnings = append(rec.Validation.Warnings,
		fmt.Sprintf("position discrepancy %d exceeds expected %d from visible features", discrepancy, expected))
	rec.Validation.VerifiedPosition = intPtr(position)
}

// finishRecord computes the confidence score and reliability tag. The score
// starts at 100 and is reduced by provenance quality, feature noise, thin
// organic sets, and accumulated warnings; an unmatched record scores zero.
func finishRecord(rec *RankingRecord) {
	if !rec.Found {
		rec.Validation.Source = SourceUnknown
		if rec.Validation.Method == "" {
			rec.Validation.Method = "no_match"
		}
		rec.Validation.Confidence = 0
		rec.Reliability = ReliabilityFor(0)
		return
	}

	confidence := 100
	switch rec.Validation.Source {
	case SourceArrayIndex:
		confidence -= 30
	case SourceUnknown:
		confidence -= 50
	}
	confidence -= min(5*len(rec.Validation.Features), 20)
	if rec.Validation.OrganicCount < 10 {
		confidence -= 10
	}
	confidence -= min(5*len(rec.Validation.Warnings), 15)

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	rec.Validation.Confidence = confidence
	rec.Reliability = ReliabilityFor(confidence)
}

func newRecord(keyword string, opts Options, meta RequestMeta) *RankingRecord {
	return &RankingRecord{
		Keyword:      keyword,
		Domain:       opts.Domain,
		Country:      opts.Country,
		Language:     opts.EffectiveLanguage(),
		City:         opts.City,
		State:        opts.State,
		PostalCode:   opts.PostalCode,
		Device:       opts.Device,
		CheckedAt:    time.Now().UTC(),
		Validation: Validation{
			Source: SourceUnknown,
		},
		Metadata: Metadata{
			Provider:     meta.Provider,
			CredentialID: meta.CredentialID,
			RequestID:    meta.RequestID,
			ProcessingMS: meta.ProcessingMS,
			AccountUsage: meta.Usage,
		},
	}
}

func intPtr(v int) *int { return &v }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
