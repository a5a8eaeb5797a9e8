package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semstreams-opcua/errors"
)

// KVEntry is one key-value update. Deleted is set for delete and purge
// markers, in which case Value is empty.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
	Deleted  bool
}

// CreateKeyValueBucket returns the bucket named by cfg, creating it if it
// does not exist yet.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "jetstream check")
	}
	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", fmt.Sprintf("create bucket %s", cfg.Bucket))
	}
	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

// GetKeyValueBucket gets an existing KV bucket. A missing bucket is
// reported as errors.ErrBucketNotFound.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "GetKeyValueBucket", "jetstream check")
	}
	bucket, err := js.KeyValue(ctx, name)
	if stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrBucketNotFound, name),
			"Client", "GetKeyValueBucket", "bucket lookup")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "GetKeyValueBucket", fmt.Sprintf("open bucket %s", name))
	}
	return bucket, nil
}

// WatchKeyValue streams every entry of bucket matching pattern to handler,
// starting with the current values. It blocks until ctx is done. initDone,
// if not nil, is called once after the current values were delivered.
func (c *Client) WatchKeyValue(ctx context.Context, bucket, pattern string, handler func(KVEntry), initDone func()) error {
	kv, err := c.GetKeyValueBucket(ctx, bucket)
	if err != nil {
		return err
	}
	if pattern == "" {
		pattern = ">"
	}
	watcher, err := kv.Watch(ctx, pattern)
	if err != nil {
		return errors.WrapTransient(err, "Client", "WatchKeyValue", fmt.Sprintf("watch %s/%s", bucket, pattern))
	}
	defer func() { _ = watcher.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return errors.WrapTransient(errors.ErrConnectionLost, "Client", "WatchKeyValue", "watcher closed")
			}
			if entry == nil {
				if initDone != nil {
					initDone()
					initDone = nil
				}
				continue
			}
			handler(KVEntry{
				Key:      entry.Key(),
				Value:    entry.Value(),
				Revision: entry.Revision(),
				Deleted:  entry.Operation() != jetstream.KeyValuePut,
			})
		}
	}
}
