package checkout

import (
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-sync/internal/commerce"
)

// DefaultMaxAttachmentSize limits a single held attachment.
const DefaultMaxAttachmentSize = 5 << 20

var (
	// ErrAttachmentNotFound means the id is unknown, expired or already
	// released by a placed order.
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrAttachmentTooLarge means the file exceeds the holder's MaxSize.
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrAttachmentEmpty means the upload carried no bytes.
	ErrAttachmentEmpty = errors.New("attachment is empty")
)

type heldAttachment struct {
	att     commerce.Attachment
	expires time.Time
}

// Attachments holds binary files such as payment receipts between upload and
// order submission. Nothing is persisted; held files are dropped once an order
// using them is placed or after the TTL.
type Attachments struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	items map[string]heldAttachment
}

// NewAttachments creates a holder. Non-positive values select defaults:
// DefaultMaxAttachmentSize and a 30 minute TTL.
func NewAttachments(maxSize int, ttl time.Duration) *Attachments {
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Attachments{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		items:   make(map[string]heldAttachment),
	}
}

// MaxSize is the largest accepted attachment in bytes.
func (a *Attachments) MaxSize() int { return a.maxSize }

// Put stores a copy of att and returns its id.
func (a *Attachments) Put(att commerce.Attachment) (string, error) {
	if len(att.Data) == 0 {
		return "", ErrAttachmentEmpty
	}
	if len(att.Data) > a.maxSize {
		return "", ErrAttachmentTooLarge
	}
	data := make([]byte, len(att.Data))
	copy(data, att.Data)
	att.Data = data

	id := uuid.NewString()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked()
	a.items[id] = heldAttachment{att: att, expires: a.now().Add(a.ttl)}
	return id, nil
}

// Get returns the attachment without releasing it, so a failed submission
// can be retried with the same id.
func (a *Attachments) Get(id string) (commerce.Attachment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked()
	h, ok := a.items[id]
	if !ok {
		return commerce.Attachment{}, ErrAttachmentNotFound
	}
	return h.att, nil
}

// Discard releases the attachment if it is held.
func (a *Attachments) Discard(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.items, id)
}

// Len returns the number of held attachments.
func (a *Attachments) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked()
	return len(a.items)
}

func (a *Attachments) sweepLocked() {
	now := a.now()
	for id, h := range a.items {
		if now.After(h.expires) {
			delete(a.items, id)
		}
	}
}
