package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/enterprise/insight-engine/internal/queue"
)

func TestMemoryStore(t *testing.T) {
	Convey("Given a memory store with a controllable clock", t, func() {
		now := time.Unix(1_700_000_000, 0)
		store := queue.NewMemoryStore().WithClock(func() time.Time { return now })
		ctx := context.Background()

		So(store.Set(ctx, "k", []byte("v1"), 300*time.Second), ShouldBeNil)

		Convey("When read before the TTL elapses", func() {
			now = now.Add(299 * time.Second)
			v, ok, err := store.Get(ctx, "k")

			Convey("Then the value is returned", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(string(v), ShouldEqual, "v1")
			})
		})

		Convey("When read at the TTL", func() {
			now = now.Add(300 * time.Second)
			_, ok, err := store.Get(ctx, "k")

			Convey("Then the entry is gone", func() {
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When the key is written again", func() {
			So(store.Set(ctx, "k", []byte("v2"), 300*time.Second), ShouldBeNil)
			v, _, _ := store.Get(ctx, "k")

			Convey("Then the new value fully replaces the old", func() {
				So(string(v), ShouldEqual, "v2")
			})
		})
	})
}

func TestCacheClient(t *testing.T) {
	Convey("Given a JSON cache over memory", t, func() {
		cache := queue.NewCacheClient(queue.NewMemoryStore())
		ctx := context.Background()

		Convey("A missing key reports a miss", func() {
			var out map[string]int
			So(errors.Is(cache.Get(ctx, "absent", &out), queue.ErrCacheMiss), ShouldBeTrue)
		})

		Convey("A stored value decodes back", func() {
			So(cache.Set(ctx, queue.InsightKey("0xabc"), map[string]int{"a": 1}, time.Minute), ShouldBeNil)
			var out map[string]int
			So(cache.Get(ctx, "ai_insights:0xabc", &out), ShouldBeNil)
			So(out["a"], ShouldEqual, 1)
		})

		Convey("Keys are scoped per payer", func() {
			So(queue.HistoryKey("0xabc"), ShouldEqual, "user_history:0xabc")
			So(queue.InsightKey("0xabc"), ShouldEqual, "ai_insights:0xabc")
		})
	})
}

func TestDecodeEvent(t *testing.T) {
	Convey("Given raw stream payloads", t, func() {
		Convey("A string amount decodes exactly", func() {
			event, err := queue.DecodeEvent([]byte(`{"amount":"12.345678","timestamp":1700000000,"payer_id":"0xp","provider_id":"openai"}`))
			So(err, ShouldBeNil)
			So(event.Amount.String(), ShouldEqual, "12.345678")
			So(event.PayerID, ShouldEqual, "0xp")
		})

		Convey("A numeric amount decodes too", func() {
			event, err := queue.DecodeEvent([]byte(`{"amount":5,"payer_id":"0xp"}`))
			So(err, ShouldBeNil)
			So(event.Amount.IntPart(), ShouldEqual, 5)
		})

		Convey("A payload without payer is invalid", func() {
			_, err := queue.DecodeEvent([]byte(`{"amount":5}`))
			So(errors.Is(err, queue.ErrInvalidMessage), ShouldBeTrue)
		})

		Convey("Garbage is invalid", func() {
			_, err := queue.DecodeEvent([]byte(`not json`))
			So(errors.Is(err, queue.ErrInvalidMessage), ShouldBeTrue)
		})
	})
}
