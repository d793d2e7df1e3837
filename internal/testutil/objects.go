package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/snapvault/internal/storage"
)

// Objects is an in-memory object store.
type Objects struct {
	mu      sync.Mutex
	objects map[string]storedObject
	puts    int
	deletes []string

	// FailDelete lists keys DeleteMany reports as failed.
	FailDelete map[string]bool
	// DeleteErr, when set, fails every DeleteMany call.
	DeleteErr error
	// PutErr, when set, fails every Put call.
	PutErr error
}

type storedObject struct {
	data        []byte
	contentType string
}

// NewObjects creates an empty object store.
func NewObjects() *Objects {
	return &Objects{
		objects:    make(map[string]storedObject),
		FailDelete: make(map[string]bool),
	}
}

// Seed stores data under key without counting a Put.
func (o *Objects) Seed(key string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = storedObject{data: append([]byte(nil), data...)}
}

func (o *Objects) Put(_ context.Context, key string, body io.Reader, contentType string) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PutErr != nil {
		return 0, o.PutErr
	}
	o.objects[key] = storedObject{data: data, contentType: contentType}
	o.puts++
	return int64(len(data)), nil
}

func (o *Objects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (o *Objects) Head(_ context.Context, key string) (*storage.ObjectInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (o *Objects) DeleteMany(_ context.Context, keys []string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.DeleteErr != nil {
		return nil, o.DeleteErr
	}
	var failed []string
	for _, key := range keys {
		if o.FailDelete[key] {
			failed = append(failed, key)
			continue
		}
		delete(o.objects, key)
		o.deletes = append(o.deletes, key)
	}
	return failed, nil
}

func (o *Objects) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?op=get&ttl=%d", key, int(ttl.Seconds())), nil
}

func (o *Objects) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?op=put&ttl=%d", key, int(ttl.Seconds())), nil
}

// Has reports whether key is stored.
func (o *Objects) Has(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[key]
	return ok
}

// Keys returns the stored keys in order.
func (o *Objects) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.objects))
	for k := range o.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts returns the number of Put calls that stored an object.
func (o *Objects) Puts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.puts
}

// Deleted returns the keys removed by DeleteMany, in call order.
func (o *Objects) Deleted() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.deletes...)
}
