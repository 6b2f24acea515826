package media

import (
	"context"
	"errors"
	"io"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTP reads objects from an FTP server. Each Open uses its own connection,
// closed together with the returned reader.
type FTP struct {
	Addr     string
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

func (f *FTP) Name() string { return "ftp" }

func (f *FTP) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if f.Addr == "" {
		return nil, errors.New("missing FTP address")
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c, err := ftp.Dial(f.Addr, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, err
	}
	if f.User != "" {
		if err := c.Login(f.User, f.Password); err != nil {
			_ = c.Quit()
			return nil, err
		}
	}
	if f.Dir != "" {
		p = path.Join(f.Dir, p)
	}
	resp, err := c.Retr(p)
	if err != nil {
		_ = c.Quit()
		return nil, err
	}
	return &ftpReader{resp: resp, conn: c}, nil
}

type ftpReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpReader) Read(b []byte) (int, error) { return r.resp.Read(b) }

func (r *ftpReader) Close() error {
	err := r.resp.Close()
	if qerr := r.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}
