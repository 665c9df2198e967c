package models_test

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/enterprise/insight-engine/internal/models"
)

func decodeEvent(body string) (models.PaymentEvent, error) {
	var event models.PaymentEvent
	err := json.Unmarshal([]byte(body), &event)
	return event, err
}

func TestPaymentEvent_UnmarshalJSON(t *testing.T) {
	Convey("Given a well-formed event", t, func() {
		event, err := decodeEvent(`{"amount":"12.50","timestamp":1700000000,"payer_id":"p1","provider_id":"x"}`)

		Convey("Then every field is kept and nothing is malformed", func() {
			So(err, ShouldBeNil)
			So(event.Amount.String(), ShouldEqual, "12.5")
			So(event.Timestamp, ShouldEqual, int64(1700000000))
			So(event.PayerID, ShouldEqual, "p1")
			So(event.ProviderID, ShouldEqual, "x")
			So(event.Malformed, ShouldBeEmpty)
		})
	})

	Convey("Given timestamps in other numeric forms", t, func() {
		fractional, err1 := decodeEvent(`{"timestamp":1700000000.9,"payer_id":"p1"}`)
		quoted, err2 := decodeEvent(`{"timestamp":" 1700000000 ","payer_id":"p1"}`)
		exponent, err3 := decodeEvent(`{"timestamp":1.7e9,"payer_id":"p1"}`)

		Convey("Then they are truncated to whole seconds", func() {
			So(err1, ShouldBeNil)
			So(err2, ShouldBeNil)
			So(err3, ShouldBeNil)
			So(fractional.Timestamp, ShouldEqual, int64(1700000000))
			So(quoted.Timestamp, ShouldEqual, int64(1700000000))
			So(exponent.Timestamp, ShouldEqual, int64(1700000000))
			So(fractional.Malformed, ShouldBeEmpty)
		})
	})

	Convey("Given unparseable fields", t, func() {
		event, err := decodeEvent(`{"amount":"abc","timestamp":true,"payer_id":"p1","provider_id":{"id":1}}`)

		Convey("Then they default to zero and are listed", func() {
			So(err, ShouldBeNil)
			So(event.Amount.IsZero(), ShouldBeTrue)
			So(event.Timestamp, ShouldEqual, int64(0))
			So(event.ProviderID, ShouldEqual, "")
			So(event.PayerID, ShouldEqual, "p1")
			So(event.Malformed, ShouldResemble, []string{"amount", "timestamp", "provider_id"})
		})
	})

	Convey("Given missing and null fields", t, func() {
		event, err := decodeEvent(`{"amount":null,"payer_id":"p1"}`)

		Convey("Then they default silently", func() {
			So(err, ShouldBeNil)
			So(event.Amount.IsZero(), ShouldBeTrue)
			So(event.Timestamp, ShouldEqual, int64(0))
			So(event.Malformed, ShouldBeEmpty)
		})
	})

	Convey("Given a body that is not an object", t, func() {
		_, err := decodeEvent(`[1,2]`)

		Convey("Then decoding fails", func() {
			So(err, ShouldNotBeNil)
		})
	})
}
