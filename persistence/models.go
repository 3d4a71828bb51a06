package persistence

import (
	"os"
	"syscall"
	"time"
)

// State is a persisted file state
type State string

// The states a file can be recorded in
const (
	Deleted State = "deleted"
	Staged  State = "staged"
	Warned  State = "warned"
)

// File is the database model of a swept file
type File struct {
	ID     int64 // zero until persisted
	Device uint64
	Inode  uint64
	Path   string
	Key    string // vault key path, when the file has one
	MTime  time.Time
	Size   int64
	Owner  int // uid
	Group  int // gid
}

// FromFS builds the model for a file on disk
func FromFS(path string) (*File, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	return FromFileInfo(path, fi), nil
}

// FromFileInfo builds the model from an already collected stat
func FromFileInfo(path string, fi os.FileInfo) *File {
	f := &File{
		Path:  path,
		MTime: fi.ModTime(),
		Size:  fi.Size(),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		f.Device = uint64(st.Dev)
		f.Inode = st.Ino
		f.Owner = int(st.Uid)
		f.Group = int(st.Gid)
	}
	return f
}

// equivalent compares the fields that matter for reinsertion: a file
// whose content or ownership changed since it was recorded must start
// its history afresh. The vault key is deliberately excluded, as keys
// may be corrected in place.
func (f *File) equivalent(other *File) bool {
	return f.Device == other.Device &&
		f.Inode == other.Inode &&
		f.Path == other.Path &&
		f.MTime.Equal(other.MTime) &&
		f.Size == other.Size &&
		f.Owner == other.Owner &&
		f.Group == other.Group
}

// Report is one stakeholder's digest of activity they have not yet
// been told about
type Report struct {
	Stakeholder int // uid
	Deleted     []*File
	Staged      []*File
	Warned      map[time.Duration][]*File // keyed by time until deletion
}

// Empty reports whether there is anything worth sending
func (r *Report) Empty() bool {
	if len(r.Deleted) > 0 || len(r.Staged) > 0 {
		return false
	}
	for _, files := range r.Warned {
		if len(files) > 0 {
			return false
		}
	}
	return true
}
