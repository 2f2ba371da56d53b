package healthcheck

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/samber/lo"
)

// DiskUsageResponse returns disk statistics in bytes.
type DiskUsageResponse struct {
	Dir       string `json:"dir"`
	PVCName   string `json:"pvc_name"`
	AllBytes  uint64 `json:"all_bytes,omitempty"`
	FreeBytes uint64 `json:"free_bytes,omitempty"`
	UsedBytes uint64 `json:"used_bytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatFS reports filesystem statistics for a path.
type StatFS func(path string) (all, free uint64, err error)

// Statfs reads statistics with statfs(2). Reserved blocks count as used.
func Statfs(path string) (all, free uint64, err error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, 0, err
	}
	return fs.Blocks * uint64(fs.Bsize), fs.Bfree * uint64(fs.Bsize), nil
}

// ParsePVCs splits a comma separated list of claim names, dropping blanks and duplicates.
func ParsePVCs(pvcs string) []string {
	return lo.Filter(lo.Uniq(lo.Map(strings.Split(pvcs, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})), func(name string, _ int) bool {
		return name != ""
	})
}

// DiskUsage returns a handler which responds with statistics for each claim mounted under mount.
// It responds 500 when any claim cannot be read, still listing the ones that could.
func DiskUsage(pvcs []string, mount string, statfs StatFS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			resps = make([]DiskUsageResponse, 0, len(pvcs))
			merr  error
		)

		if len(pvcs) == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			mustJSONEncode(resps, w)
			return
		}

		for _, pvc := range pvcs {
			resp := DiskUsageResponse{
				Dir:     filepath.Clean(mount + "/" + pvc),
				PVCName: pvc,
			}
			all, free, err := statfs(resp.Dir)
			if err != nil {
				resp.Error = err.Error()
				resps = append(resps, resp)
				merr = errors.Join(merr, err)
				continue
			}

			resp.AllBytes = all
			resp.FreeBytes = free
			resp.UsedBytes = all - min(free, all)
			resps = append(resps, resp)
		}

		w.Header().Set("Content-Type", "application/json")
		if merr != nil {
			w.WriteHeader(http.StatusInternalServerError)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		mustJSONEncode(resps, w)
	}
}

func mustJSONEncode(v interface{}, w io.Writer) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(err)
	}
}
