package engine

import (
	"reflect"
	"testing"
)

func TestNotificationCenterOrder(t *testing.T) {
	c := NewNotificationCenter()

	var got []string
	c.Subscribe(func(Notification) { got = append(got, "first") })
	unsubscribe := c.Subscribe(func(Notification) { got = append(got, "second") })
	c.Subscribe(func(Notification) { got = append(got, "third") })

	c.Post(Notification{Name: EngineEnded})
	unsubscribe()
	unsubscribe()
	c.Post(Notification{Name: EngineEnded})

	want := []string{"first", "second", "third", "first", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNotificationCenterNilPost(t *testing.T) {
	var c *NotificationCenter
	c.Post(Notification{Name: EngineEnded})
}

func TestNotificationCenterSubscribeDuringPost(t *testing.T) {
	c := NewNotificationCenter()

	calls := 0
	c.Subscribe(func(Notification) {
		calls++
		c.Subscribe(func(Notification) { calls++ })
	})

	c.Post(Notification{Name: EngineStarted})
	if calls != 1 {
		t.Errorf("Expected observers added during Post to miss it, got %d calls", calls)
	}
}

func TestDefaultNotifications(t *testing.T) {
	if DefaultNotifications() != DefaultNotifications() {
		t.Error("Expected a single default notification center")
	}
}
