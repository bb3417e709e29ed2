package instagram

import "time"

// Comment is one comment returned by the recent-comments fetch.
type Comment struct {
	ID           string
	Text         string
	AuthorID     string
	AuthorHandle string
	Timestamp    time.Time
}

// PostMetadata is the subset of media fields the resolver needs.
type PostMetadata struct {
	Caption   string
	Permalink string
}

// graphError is the structured error payload the Graph API returns. Both it
// and transport errors feed the same retry policy.
type graphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type graphErrorEnvelope struct {
	Error *graphError `json:"error"`
}

func (e *graphError) Error() string {
	if e.Message == "" {
		return "instagram: remote error"
	}
	return "instagram: " + e.Message
}

type sendMessageRequest struct {
	Recipient recipientRef `json:"recipient"`
	Message   messageBody  `json:"message"`
}

type recipientRef struct {
	ID string `json:"id"`
}

type messageBody struct {
	Text string `json:"text"`
}

type replyRequest struct {
	Message string `json:"message"`
}

type commentListResponse struct {
	Data []commentEntry `json:"data"`
}

type commentEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	From      *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type mediaResponse struct {
	ID        string `json:"id"`
	Caption   string `json:"caption"`
	Permalink string `json:"permalink"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
