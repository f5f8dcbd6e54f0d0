// Package transport carries messages between content automatons and the
// coordinators: one-off request/response envelopes and long-lived ports.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pinchtab/autoapply/internal/idutil"
	"github.com/pinchtab/autoapply/internal/session"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrPortClosed  = errors.New("port closed")
)

type Kind string

// Inbound, content automaton to coordinator.
const (
	KindStartSearch            Kind = "START_SEARCH"
	KindStopSearch             Kind = "STOP_SEARCH"
	KindGetSearchTask          Kind = "GET_SEARCH_TASK"
	KindGetProfileData         Kind = "GET_PROFILE_DATA"
	KindGetApplyTask           Kind = "GET_APPLY_TASK"
	KindStartApplication       Kind = "START_APPLICATION"
	KindApplicationCompleted   Kind = "APPLICATION_COMPLETED"
	KindApplicationError       Kind = "APPLICATION_ERROR"
	KindApplicationSkipped     Kind = "APPLICATION_SKIPPED"
	KindApplicationTimeout     Kind = "APPLICATION_TIMEOUT"
	KindSearchCompleted        Kind = "SEARCH_COMPLETED"
	KindCheckApplicationStatus Kind = "CHECK_APPLICATION_STATUS"
	KindKeepalive              Kind = "KEEPALIVE"
	KindHello                  Kind = "HELLO"
)

// Outbound pushes, coordinator to content automaton.
const (
	KindSearchNext          Kind = "SEARCH_NEXT"
	KindApplicationStarting Kind = "APPLICATION_STARTING"
	KindApplicationStatus   Kind = "APPLICATION_STATUS"
	KindExternalTabOrigin   Kind = "EXTERNAL_TAB_ORIGIN"
	KindJobTabStatus        Kind = "JOB_TAB_STATUS"
)

// Envelope is the wire frame. The discriminator may arrive as "type" or
// "action"; message fields may be nested under "payload" or sit at the top
// level next to the envelope fields.
type Envelope struct {
	Type      Kind            `json:"type,omitempty"`
	Action    Kind            `json:"action,omitempty"`
	Platform  string          `json:"platform,omitempty"`
	TabID     string          `json:"tabId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) Kind() Kind {
	if e.Type != "" {
		return e.Type
	}
	return e.Action
}

// Message is implemented by every typed message.
type Message interface {
	Kind() Kind
}

type StartSearch struct {
	UserID       string               `json:"userId"`
	JobsToApply  int                  `json:"jobsToApply"`
	DevMode      bool                 `json:"devMode"`
	SearchParams session.SearchParams `json:"searchParams"`
}

type StopSearch struct {
	Reason string `json:"reason,omitempty"`
}

type GetSearchTask struct{}

type GetProfileData struct {
	URL string `json:"url,omitempty"`
}

type GetApplyTask struct{}

type StartApplication struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type ApplicationCompleted struct {
	URL    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type ApplicationError struct {
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

type ApplicationSkipped struct {
	URL    string `json:"url,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ApplicationTimeout struct {
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

type SearchCompleted struct {
	Message string `json:"message,omitempty"`
}

type CheckApplicationStatus struct{}

type Keepalive struct{}

// Hello is the first frame on a port. It carries the sender identity that
// otherwise has to be recovered from the port name.
type Hello struct {
	Role  string `json:"role"`
	TabID string `json:"tabId"`
}

type SearchNext struct {
	URL     string         `json:"url"`
	Status  session.Status `json:"status"`
	Message string         `json:"message,omitempty"`
}

type ApplicationStarting struct {
	URL   string `json:"url"`
	TabID string `json:"tabId"`
}

type ApplicationStatus struct {
	InProgress bool   `json:"inProgress"`
	URL        string `json:"url,omitempty"`
	TabID      string `json:"tabId,omitempty"`
}

type ExternalTabOrigin struct {
	URL    string `json:"url"`
	Origin string `json:"origin"`
}

type JobTabStatus struct {
	URL      string `json:"url"`
	External bool   `json:"external"`
}

func (StartSearch) Kind() Kind            { return KindStartSearch }
func (StopSearch) Kind() Kind             { return KindStopSearch }
func (GetSearchTask) Kind() Kind          { return KindGetSearchTask }
func (GetProfileData) Kind() Kind         { return KindGetProfileData }
func (GetApplyTask) Kind() Kind           { return KindGetApplyTask }
func (StartApplication) Kind() Kind       { return KindStartApplication }
func (ApplicationCompleted) Kind() Kind   { return KindApplicationCompleted }
func (ApplicationError) Kind() Kind       { return KindApplicationError }
func (ApplicationSkipped) Kind() Kind     { return KindApplicationSkipped }
func (ApplicationTimeout) Kind() Kind     { return KindApplicationTimeout }
func (SearchCompleted) Kind() Kind        { return KindSearchCompleted }
func (CheckApplicationStatus) Kind() Kind { return KindCheckApplicationStatus }
func (Keepalive) Kind() Kind              { return KindKeepalive }
func (Hello) Kind() Kind                  { return KindHello }
func (SearchNext) Kind() Kind             { return KindSearchNext }
func (ApplicationStarting) Kind() Kind    { return KindApplicationStarting }
func (ApplicationStatus) Kind() Kind      { return KindApplicationStatus }
func (ExternalTabOrigin) Kind() Kind      { return KindExternalTabOrigin }
func (JobTabStatus) Kind() Kind           { return KindJobTabStatus }

// Decode parses a raw frame into its envelope and typed inbound message.
// Unknown discriminators return the envelope with an ErrUnknownType error so
// the caller can still answer with the request id.
func Decode(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Kind() {
	case KindStartSearch:
		msg = &StartSearch{}
	case KindStopSearch:
		msg = &StopSearch{}
	case KindGetSearchTask:
		msg = &GetSearchTask{}
	case KindGetProfileData:
		msg = &GetProfileData{}
	case KindGetApplyTask:
		msg = &GetApplyTask{}
	case KindStartApplication:
		msg = &StartApplication{}
	case KindApplicationCompleted:
		msg = &ApplicationCompleted{}
	case KindApplicationError:
		msg = &ApplicationError{}
	case KindApplicationSkipped:
		msg = &ApplicationSkipped{}
	case KindApplicationTimeout:
		msg = &ApplicationTimeout{}
	case KindSearchCompleted:
		msg = &SearchCompleted{}
	case KindCheckApplicationStatus:
		msg = &CheckApplicationStatus{}
	case KindKeepalive:
		msg = &Keepalive{}
	case KindHello:
		msg = &Hello{}
	case "":
		return env, nil, fmt.Errorf("%w: missing type", ErrUnknownType)
	default:
		return env, nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Kind())
	}

	body := []byte(env.Payload)
	if len(body) == 0 || string(body) == "null" {
		body = raw
	}
	if err := json.Unmarshal(body, msg); err != nil {
		return env, nil, fmt.Errorf("decode %s: %w", env.Kind(), err)
	}
	return env, deref(msg), nil
}

// deref hands out value types so handlers switch on plain structs.
func deref(m Message) Message {
	switch v := m.(type) {
	case *StartSearch:
		return *v
	case *StopSearch:
		return *v
	case *GetSearchTask:
		return *v
	case *GetProfileData:
		return *v
	case *GetApplyTask:
		return *v
	case *StartApplication:
		return *v
	case *ApplicationCompleted:
		return *v
	case *ApplicationError:
		return *v
	case *ApplicationSkipped:
		return *v
	case *ApplicationTimeout:
		return *v
	case *SearchCompleted:
		return *v
	case *CheckApplicationStatus:
		return *v
	case *Keepalive:
		return *v
	case *Hello:
		return *v
	}
	return m
}

// Encode frames an outbound message with a fresh request id.
func Encode(platform string, m Message) ([]byte, string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	id := idutil.RequestID()
	data, err := json.Marshal(Envelope{
		Type:      m.Kind(),
		Platform:  platform,
		RequestID: id,
		Payload:   payload,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return data, id, nil
}

// Response is the answer to every inbound message. A handler never leaves
// a request unanswered.
type Response struct {
	Type      Kind   `json:"type,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Status    string `json:"status,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Category  string `json:"category,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func OK(data any) Response {
	return Response{Success: true, Data: data}
}

func Fail(msg string) Response {
	return Response{Success: false, Status: "error", Error: msg, Message: msg}
}
