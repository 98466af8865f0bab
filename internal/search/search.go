package search

// Result is a single case hit returned to the portal.
type Result struct {
	CaseID        string `json:"caseId"`
	CaseReference string `json:"caseReference"`
	PipelineName  string `json:"pipelineName"`
	StageName     string `json:"stageName"`
	Status        string `json:"status"`
	Snippet       string `json:"snippet"`
}

// Query describes a case search request. PersonID scopes results to the
// signed-in client's own cases.
type Query struct {
	Text     string
	PersonID string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a case search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// CaseRecord is the data we index for a case.
type CaseRecord struct {
	ID            string `json:"id"`
	CaseReference string `json:"caseReference"`
	PersonID      string `json:"personId"`
	PersonName    string `json:"personName"`
	PipelineName  string `json:"pipelineName"`
	StageName     string `json:"stageName"`
	Status        string `json:"status"`
}
