package pagination

// Update is a new rendered list.
type Update struct {
	Query      string
	Entries    []Entry
	Window     Window
	TotalPages int

	Loading     bool
	LoadingMore bool

	// ScrollTo is the entry index the renderer should jump to, or -1 to
	// keep the current position.
	ScrollTo int
	Animated bool
}

// Observer receives session updates. Calls are serialized for updates but
// may come from any goroutine; implementations must not block.
type Observer interface {
	OnUpdate(Update)
	OnError(*FetchError)
}

// NoOpObserver discards everything.
type NoOpObserver struct{}

func (NoOpObserver) OnUpdate(Update)     {}
func (NoOpObserver) OnError(*FetchError) {}

// ChannelObserver forwards to channels and drops values when a channel is
// full. Either channel may be nil.
type ChannelObserver struct {
	updates chan<- Update
	errs    chan<- *FetchError
}

// NewChannelObserver creates a channel-based observer.
func NewChannelObserver(updates chan<- Update, errs chan<- *FetchError) *ChannelObserver {
	return &ChannelObserver{updates: updates, errs: errs}
}

// OnUpdate sends the update (non-blocking if full).
func (o *ChannelObserver) OnUpdate(u Update) {
	if o.updates == nil {
		return
	}
	select {
	case o.updates <- u:
	default:
	}
}

// OnError sends the error (non-blocking if full).
func (o *ChannelObserver) OnError(err *FetchError) {
	if o.errs == nil {
		return
	}
	select {
	case o.errs <- err:
	default:
	}
}
