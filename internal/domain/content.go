package domain

// Content is the tagged variant of message payloads a transport can deliver.
// The set of implementations is closed.
type Content interface {
	Tag() string
	content()
}

// Content tags, one per supported message kind.
const (
	TagConversation     = "conversation"
	TagExtendedText     = "extendedTextMessage"
	TagImage            = "imageMessage"
	TagVideo            = "videoMessage"
	TagDocument         = "documentMessage"
	TagButtonReply      = "buttonsResponseMessage"
	TagListReply        = "listResponseMessage"
	TagTemplateReply    = "templateButtonReplyMessage"
	TagInteractiveReply = "interactiveResponseMessage"
	TagUnknown          = "unknown"
)

type Conversation struct{ Text string }

type ExtendedText struct{ Text string }

type Image struct{ Caption string }

type Video struct{ Caption string }

type Document struct {
	Caption  string
	FileName string
}

type ButtonReply struct{ SelectedID string }

type ListReply struct{ SelectedRowID string }

type TemplateReply struct{ SelectedID string }

// InteractiveReply is a reply to an interactive flow. Its payload is never
// treated as command text.
type InteractiveReply struct{ Payload string }

// Unknown is a payload kind outside the supported set. Kind is the
// transport's own name for it; its tag is Kind when set.
type Unknown struct{ Kind string }

func (Conversation) Tag() string     { return TagConversation }
func (ExtendedText) Tag() string     { return TagExtendedText }
func (Image) Tag() string            { return TagImage }
func (Video) Tag() string            { return TagVideo }
func (Document) Tag() string         { return TagDocument }
func (ButtonReply) Tag() string      { return TagButtonReply }
func (ListReply) Tag() string        { return TagListReply }
func (TemplateReply) Tag() string    { return TagTemplateReply }
func (InteractiveReply) Tag() string { return TagInteractiveReply }

func (Conversation) content()     {}
func (ExtendedText) content()     {}
func (Image) content()            {}
func (Video) content()            {}
func (Document) content()         {}
func (ButtonReply) content()      {}
func (ListReply) content()        {}
func (TemplateReply) content()    {}
func (InteractiveReply) content() {}
func (Unknown) content()          {}

func (u Unknown) Tag() string {
	if u.Kind != "" {
		return u.Kind
	}
	return TagUnknown
}
