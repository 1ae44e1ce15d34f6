package graph

import "time"

// Message is the in-flight representation of one mailbox item. It is
// immutable once constructed from the provider payload.
type Message struct {
	ProviderID        string
	InternetMessageID string
	Subject           string
	From              string
	To                string // comma-joined list
	CC                string // comma-joined list
	ReceivedAt        time.Time
	BodyHTML          string
	BodyText          string
	HasAttachments    bool

	// IsBounce is set by the parser when sender/subject/body match the
	// bounce heuristics. When the bounce body yields the original
	// recipient, To is overwritten with it.
	IsBounce bool
}

// Graph API wire structures.

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	ID                string      `json:"id"`
	InternetMessageID string      `json:"internetMessageId"`
	Subject           string      `json:"subject"`
	BodyPreview       string      `json:"bodyPreview"`
	ReceivedDateTime  time.Time   `json:"receivedDateTime"`
	HasAttachments    bool        `json:"hasAttachments"`
	IsRead            bool        `json:"isRead"`
	From              *recipient  `json:"from"`
	Sender            *recipient  `json:"sender"`
	ToRecipients      []recipient `json:"toRecipients"`
	CcRecipients      []recipient `json:"ccRecipients"`
	Body              itemBody    `json:"body"`
}

type messageListResponse struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

type attachmentListResponse struct {
	Value []attachment `json:"value"`
}

type createForwardResponse struct {
	ID string `json:"id"`
}

type mailFolder struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	UnreadItemCount int    `json:"unreadItemCount"`
	TotalItemCount  int    `json:"totalItemCount"`
}

type countResponse struct {
	Count int `json:"@odata.count"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
