package daemonize

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Stream is the redirection target of one standard stream. The zero Stream
// redirects to os.DevNull.
type Stream struct {
	path string
	file *os.File
}

// StreamPath redirects a standard stream to the file at path. Standard input
// opens it read-only; output streams append to it, creating it if needed.
func StreamPath(path string) Stream { return Stream{path: path} }

// StreamFile redirects a standard stream to an already open file. The file
// stays owned by the caller.
func StreamFile(f *os.File) Stream { return Stream{file: f} }

// IsZero reports whether s has no explicit target.
func (s Stream) IsZero() bool { return s.path == "" && s.file == nil }

func (s Stream) String() string {
	switch {
	case s.file != nil:
		return s.file.Name()
	case s.path != "":
		return s.path
	default:
		return os.DevNull
	}
}

// fd reports the descriptor of an already open target.
func (s Stream) fd() (int, bool) {
	if s.file == nil {
		return 0, false
	}
	return int(s.file.Fd()), true
}

func (s Stream) rebase(root string) (Stream, error) {
	if s.path == "" {
		return s, nil
	}
	p, err := rebasePath(root, s.path)
	if err != nil {
		return s, err
	}
	return Stream{path: p}, nil
}

const defaultStreamPerm = 0o644

type standardStream struct {
	name string
	fd   int
	flag int
}

var standardStreams = [3]standardStream{
	{name: "stdin", fd: 0, flag: os.O_RDONLY},
	{name: "stdout", fd: 1, flag: os.O_WRONLY | os.O_CREATE | os.O_APPEND},
	{name: "stderr", fd: 2, flag: os.O_WRONLY | os.O_CREATE | os.O_APPEND},
}

// Redirector re-points the standard streams.
type Redirector struct {
	table  descriptorTable
	logger *slog.Logger
}

// Redirect places each target on descriptors 0, 1 and 2 in turn. It must run
// after CloseAll so the targets are not among the descriptors being closed.
func (r *Redirector) Redirect(stdin, stdout, stderr Stream) error {
	for i, target := range [3]Stream{stdin, stdout, stderr} {
		stream := standardStreams[i]
		if err := r.redirect(stream, target); err != nil {
			return redirectErr(stream.name, err)
		}
		r.logger.Debug("standard stream redirected",
			slog.String("stream", stream.name),
			slog.String("target", target.String()),
		)
	}
	return nil
}

func (r *Redirector) redirect(stream standardStream, target Stream) error {
	if fd, ok := target.fd(); ok {
		if fd == stream.fd {
			return nil
		}
		return r.table.Dup2(fd, stream.fd)
	}

	path, flag := target.path, stream.flag
	if path == "" {
		path, flag = os.DevNull, os.O_RDWR
	}
	fd, err := r.table.OpenFD(path, flag, defaultStreamPerm)
	if err != nil {
		return err
	}
	if fd == stream.fd {
		return nil
	}
	if err := r.table.Dup2(fd, stream.fd); err != nil {
		_ = r.table.Close(fd)
		return err
	}
	return r.table.Close(fd)
}

// rebasePath expresses an absolute path as seen from inside root.
func rebasePath(root, path string) (string, error) {
	if root == "" {
		return path, nil
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", configErr("chroot_directory", "%s is outside %s", path, root)
	}
	return filepath.Join("/", rel), nil
}
