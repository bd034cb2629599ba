package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"stereodsm/internal/errs"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

type stubS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	puts    map[string]string
	listing []*s3.ListObjectsV2Output
	tokens  []string
}

func (s *stubS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts == nil {
		s.puts = map[string]string{}
	}
	s.puts[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (s *stubS3) ListObjectsV2WithContext(ctx aws.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	s.tokens = append(s.tokens, aws.StringValue(in.ContinuationToken))
	if len(s.listing) == 0 {
		return nil, errors.New("unexpected listing")
	}
	out := s.listing[0]
	s.listing = s.listing[1:]
	return out, nil
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in     string
		want   Target
		hasErr bool
	}{
		{in: "s3://bucket/runs/a/", want: Target{S3: true, Bucket: "bucket", Prefix: "runs/a"}},
		{in: "s3://bucket", want: Target{S3: true, Bucket: "bucket"}},
		{in: "/srv/out", want: Target{Bucket: "/srv/out"}},
		{in: "s3:///x", hasErr: true},
		{in: "", hasErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in)
		if tc.hasErr {
			if !errors.Is(err, errs.ErrInvalidArgument) {
				t.Fatalf("%q: expected invalid argument, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %+v, %v", tc.in, got, err)
		}
	}
}

func TestPublishDirToS3(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"content.json":        "{}",
		"dsm/lowres_dsm.npy":  "npy",
		"dsm/lowres_dsm.json": "meta",
	})
	stub := &stubS3{}
	target, _ := ParseTarget("s3://out/run-1")
	keys, err := PublishDir(context.Background(), NewS3StoreWithAPI(stub), target, dir)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	want := []string{"run-1/content.json", "run-1/dsm/lowres_dsm.json", "run-1/dsm/lowres_dsm.npy"}
	if len(keys) != len(want) {
		t.Fatalf("keys %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys %v", keys)
		}
	}
	if stub.puts["out/run-1/dsm/lowres_dsm.npy"] != "npy" {
		t.Fatalf("puts %v", stub.puts)
	}
}

func TestS3ListFollowsContinuation(t *testing.T) {
	stub := &stubS3{listing: []*s3.ListObjectsV2Output{
		{
			Contents:              []*s3.Object{{Key: aws.String("p/a")}, {Key: aws.String("p/dir/")}},
			IsTruncated:           aws.Bool(true),
			NextContinuationToken: aws.String("cont-1"),
		},
		{Contents: []*s3.Object{{Key: aws.String("p/b")}}, IsTruncated: aws.Bool(false)},
	}}
	got, err := NewS3StoreWithAPI(stub).ListObjects(context.Background(), "bucket", "p/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0] != "p/a" || got[1] != "p/b" {
		t.Fatalf("listing %v", got)
	}
	if len(stub.tokens) != 2 || stub.tokens[0] != "" || stub.tokens[1] != "cont-1" {
		t.Fatalf("tokens %v", stub.tokens)
	}
}

func TestPublishDirToLocal(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.txt": "a", "sub/b.txt": "b"})
	root := t.TempDir()
	target, _ := ParseTarget(root)
	target.Prefix = "copy"
	if _, err := PublishDir(context.Background(), LocalFS{}, target, dir); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := LocalFS{}.ListObjects(context.Background(), root, "copy")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "copy/a.txt" || got[1] != "copy/sub/b.txt" {
		t.Fatalf("listing %v", got)
	}
}
