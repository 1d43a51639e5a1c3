package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"moonit/internal/docstore"
	"moonit/internal/feed"
)

type event struct {
	name string
	data string
}

// readEvents parses an SSE body and hands each complete event to fn. Comments and
// unknown fields are skipped.
func readEvents(r io.Reader, fn func(event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var (
		cur  event
		data []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				cur.data = strings.Join(data, "\n")
				if err := fn(cur); err != nil {
					return err
				}
			}
			cur, data = event{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrStreamEnded
}

// subscribe opens an SSE endpoint and republishes its snapshot events. A stream the
// server refuses is reported synchronously; later failures end the subscription.
func subscribe[T any](ctx context.Context, t *transport, path string, decode func([]byte) (T, error)) (*feed.Subscription[T], error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := t.newRequest(streamCtx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream %s: %w", path, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	sub := feed.New[T](cancel)
	go func() {
		defer resp.Body.Close()
		err := readEvents(resp.Body, func(ev event) error {
			switch ev.name {
			case "snapshot":
				v, err := decode([]byte(ev.data))
				if err != nil {
					return fmt.Errorf("decode snapshot: %w", err)
				}
				sub.Publish(v)
			case "error":
				return streamError(ev.data)
			}
			return nil
		})
		if ctxErr := streamCtx.Err(); ctxErr != nil {
			err = ctxErr
		}
		sub.Fail(err)
	}()
	return sub, nil
}

func streamError(data string) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return fmt.Errorf("stream error: %s", data)
	}
	if body.Error == docstore.ErrNotFound.Error() {
		return docstore.ErrNotFound
	}
	return errors.New(body.Error)
}
