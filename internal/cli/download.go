package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"stackline/internal/fault"
)

// download fetches a job's package to output. An existing directory receives
// the archive under its stored name.
func (r *Root) download(ctx context.Context, jobID, output string) (string, error) {
	dl, err := r.api().PresignDownload(ctx, jobID)
	if err != nil {
		return "", err
	}
	name := path.Base(dl.Key)
	switch {
	case output == "":
		output = name
	default:
		if info, err := os.Stat(output); err == nil && info.IsDir() {
			output = filepath.Join(output, name)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fault.Wrap(fault.ErrTransient, "cli", "download", "package download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fault.New(fault.ErrTransient, "cli", fmt.Sprintf("package download returned %s", resp.Status))
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	tmp := output + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	var w io.Writer = f
	if r.interactive && resp.ContentLength > 0 {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(r.out) }),
		)
		w = io.MultiWriter(f, bar)
	}
	n, err := io.Copy(w, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", output, err)
	}
	if err := os.Rename(tmp, output); err != nil {
		os.Remove(tmp)
		return "", err
	}
	r.log.Info("package downloaded", "job", jobID, "path", output, "size", humanize.Bytes(uint64(n)))
	return output, nil
}
