package spider

import (
	"context"
	"iter"
	"testing"

	"github.com/crawlkit/crawlkit/internal/types"
)

type testSpider struct {
	Base
	urls []string
}

func (s *testSpider) Name() string        { return "test" }
func (s *testSpider) StartURLs() []string { return s.urls }

func (s *testSpider) Seed(ctx context.Context) iter.Seq[*types.Request] {
	return func(yield func(*types.Request) bool) {
		for _, u := range s.urls {
			req, err := types.NewRequest(u)
			if err != nil {
				continue
			}
			if !yield(req) {
				return
			}
		}
	}
}

func (s *testSpider) Parse(ctx context.Context, resp *types.Response) iter.Seq[Yield] {
	return func(yield func(Yield) bool) {
		item := types.NewItem(resp.Request.URLString())
		item.Set("status", resp.StatusCode)
		yield(ItemYield(item))
	}
}

func TestSpiderSeedProducesRequestsInOrder(t *testing.T) {
	s := &testSpider{urls: []string{"http://a.test", "http://b.test"}}
	var got []string
	for req := range s.Seed(context.Background()) {
		got = append(got, req.URLString())
	}
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Fatalf("unexpected seed order: %v", got)
	}
}

func TestSpiderParseYieldsItem(t *testing.T) {
	s := &testSpider{}
	req, _ := types.NewRequest("http://a.test")
	resp := &types.Response{StatusCode: 200, Request: req}

	var yields []Yield
	for y := range s.Parse(context.Background(), resp) {
		yields = append(yields, y)
	}
	if len(yields) != 1 || yields[0].Item == nil {
		t.Fatalf("expected a single item yield, got %+v", yields)
	}
}

func TestBaseHooksAreNoOps(t *testing.T) {
	var b Base
	if err := b.OnStart(context.Background()); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	if err := b.OnClose(context.Background()); err != nil {
		t.Fatalf("OnClose: %v", err)
	}
	b.OnException(nil)
}
