package imap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/attachment-archiver/internal/mailbox"
	"github.com/nhle/attachment-archiver/internal/model"
)

// Options configures the connection to one IMAP account.
type Options struct {
	Host     string
	Port     int
	TLS      bool
	Address  string
	Password string
}

// Client is a mailbox.Source backed by a single IMAP connection. The
// connection is established lazily and reused across calls; commands are
// serialized, so the client is safe for concurrent use.
type Client struct {
	opts Options

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
}

// NewClient creates a client configuration. No connection is made until
// the first call that needs one.
func NewClient(opts Options) *Client {
	return &Client{opts: opts}
}

// Name returns the account address.
func (c *Client) Name() string { return c.opts.Address }

// connect dials and authenticates. Callers must hold c.mu.
func (c *Client) connect() (*imapclient.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))

	var client *imapclient.Client
	var err error

	if c.opts.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &mailbox.TransientError{
			Op:  "dial",
			Err: fmt.Errorf("connecting to IMAP %s: %w", addr, err),
		}
	}

	if err := client.Login(c.opts.Address, c.opts.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &mailbox.AuthError{
			Mailbox: c.opts.Address,
			Message: fmt.Sprintf("authentication failed for %s: %v", c.opts.Address, err),
		}
	}

	c.client = client
	c.selected = ""
	return client, nil
}

// drop discards the connection after a failed command so the next call
// redials. Callers must hold c.mu.
func (c *Client) drop() {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
		c.selected = ""
	}
}

// ensureSelected connects if needed and selects folder unless it is
// already selected. Callers must hold c.mu.
func (c *Client) ensureSelected(folder string) (*imapclient.Client, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}

	if c.selected == folder {
		return client, nil
	}

	if _, err := client.Select(folder, nil).Wait(); err != nil {
		c.drop()
		return nil, &mailbox.TransientError{
			Op:  "select",
			Err: fmt.Errorf("selecting %s: %w", folder, err),
		}
	}

	c.selected = folder
	return client, nil
}

// ListAfter searches folder for messages with UID greater than watermark
// and returns their identities in ascending UID order, at most limit of
// them when limit is positive.
func (c *Client) ListAfter(
	ctx context.Context, folder string, watermark uint32, limit int,
) ([]model.MessageIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.ensureSelected(folder)
	if err != nil {
		return nil, err
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(watermark+1), 0)

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{uidSet},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		c.drop()
		return nil, &mailbox.TransientError{
			Op:  "search",
			Err: fmt.Errorf("searching %s after UID %d: %w", folder, watermark, err),
		}
	}

	uids := searchData.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	// Take the oldest first so the watermark can advance contiguously.
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	ids := make([]model.MessageIdentity, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, model.MessageIdentity{
			Mailbox: c.opts.Address,
			Folder:  folder,
			UID:     uint32(uid),
		})
	}
	return ids, nil
}

// Fetch retrieves the full message body and envelope for id. The body is
// fetched with BODY.PEEK so the \Seen flag is left alone.
func (c *Client) Fetch(
	ctx context.Context, id model.MessageIdentity,
) (*mailbox.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.ensureSelected(id.Folder)
	if err != nil {
		return nil, err
	}

	uidSet := imap.UIDSetNum(imap.UID(id.UID))

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:     true,
		InternalDate: true,
		UID:          true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("fetching %s: message not found", id.Key())
	}

	buf, err := msg.Collect()
	if err != nil {
		c.drop()
		return nil, &mailbox.TransientError{
			Op:  "fetch",
			Err: fmt.Errorf("collecting message %s: %w", id.Key(), err),
		}
	}

	raw := &mailbox.RawMessage{
		Identity: id,
		Meta:     metaFromBuffer(id, buf),
		Body:     buf.FindBodySection(bodySection),
	}

	if err := fetchCmd.Close(); err != nil {
		c.drop()
		return raw, &mailbox.TransientError{
			Op:  "fetch",
			Err: fmt.Errorf("closing fetch for %s: %w", id.Key(), err),
		}
	}

	return raw, nil
}

// Delete marks the message \Deleted. The message stays in the folder
// until Expunge runs.
func (c *Client) Delete(ctx context.Context, id model.MessageIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.ensureSelected(id.Folder)
	if err != nil {
		return err
	}

	uidSet := imap.UIDSetNum(imap.UID(id.UID))

	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		c.drop()
		return &mailbox.TransientError{
			Op:  "delete",
			Err: fmt.Errorf("marking %s deleted: %w", id.Key(), err),
		}
	}
	return nil
}

// Expunge permanently removes all messages marked \Deleted in folder.
func (c *Client) Expunge(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.ensureSelected(folder)
	if err != nil {
		return err
	}

	if err := client.Expunge().Close(); err != nil {
		c.drop()
		return &mailbox.TransientError{
			Op:  "expunge",
			Err: fmt.Errorf("expunging %s: %w", folder, err),
		}
	}
	return nil
}

// Close logs out and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Logout().Wait()
	c.client = nil
	c.selected = ""
	if err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

// metaFromBuffer extracts the envelope fields used by the index. The
// server's internal date is preferred over the Date header.
func metaFromBuffer(
	id model.MessageIdentity, buf *imapclient.FetchMessageBuffer,
) model.MessageMeta {
	meta := model.MessageMeta{Identity: id}

	if !buf.InternalDate.IsZero() {
		meta.ReceivedAt = buf.InternalDate.UTC()
	}

	if buf.Envelope != nil {
		meta.MessageID = buf.Envelope.MessageID
		meta.Subject = buf.Envelope.Subject
		if meta.ReceivedAt.IsZero() {
			meta.ReceivedAt = buf.Envelope.Date.UTC()
		}

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			meta.Sender = from.Addr()
			meta.SenderName = from.Name
		}
	}

	return meta
}
