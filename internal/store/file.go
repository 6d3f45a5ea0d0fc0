package store

import (
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/fvc/log2"
)

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// File is Store over extremofile, whole slot set rewritten atomically on change.
type File struct {
	mu      sync.Mutex
	log     *log2.Log
	tag     string
	storage storage
	values  slots
}

var _ Store = &File{}

func Open(root, tag string, log *log2.Log) (*File, error) {
	if root == "" {
		return nil, errors.Errorf("store %s root=empty", tag)
	}
	f := &File{
		log: log,
		tag: tag,
		storage: extremofile.New(extremofile.Config{
			Dir:      filepath.Join(root, tag),
			DirPerm:  0755,
			FilePerm: 0644,
		}),
		values: make(slots),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (self *File) load() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	tbegin := time.Now()
	b, err := self.storage.Read()
	self.log.Debugf("store %s read duration=%v", self.tag, time.Since(tbegin))
	if b != nil {
		if err != nil {
			self.log.Errorf("store %s ignore non-critical storage err=%v", self.tag, err)
		}
		err = self.values.UnmarshalBinary(b)
	}
	return errors.Annotatef(err, "store %s load", self.tag)
}

func (self *File) Get(k Key) (uint32, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	v, ok := self.values[k]
	if !ok {
		return 0, errors.NotFoundf("store %s slot %s", self.tag, k)
	}
	return v, nil
}

func (self *File) Set(k Key, v uint32) error {
	if !k.Valid() {
		return errors.NotValidf("store key=%d", uint8(k))
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if old, ok := self.values[k]; ok && old == v {
		return nil
	}
	next := make(slots, len(self.values)+1)
	for key, x := range self.values {
		next[key] = x
	}
	next[k] = v
	b, _ := next.MarshalBinary()
	tbegin := time.Now()
	if _, err := self.storage.Write(b); err != nil {
		return errors.Annotatef(err, "store %s set %s", self.tag, k)
	}
	self.log.Debugf("store %s set %s=%d duration=%v", self.tag, k, v, time.Since(tbegin))
	self.values = next
	return nil
}
