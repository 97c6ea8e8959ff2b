package session

import (
	"testing"

	"github.com/mikekulinski/dwarfkeeper/pkg/dxid"
	"github.com/mikekulinski/dwarfkeeper/pkg/group"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_DeliverAndRespond(t *testing.T) {
	sess := NewSession(group.Member{ID: "m1"}, "g", 4)

	var got []byte
	sess.Deliver(group.NewMessage(dxid.NewDXID(1, 1), "m2", group.TagUpdate, []byte("cmd"), func(b []byte) {
		got = b
	}))
	sess.DeliverView(group.View{Group: "g", ID: dxid.NewDXID(1, 2)})

	ev := <-sess.Events
	require.NotNil(t, ev.Message)
	assert.Equal(t, "cmd", string(ev.Message.Payload))
	assert.Equal(t, 1, sess.Pending())

	ev2 := <-sess.Events
	require.NotNil(t, ev2.View)
	assert.Equal(t, dxid.NewDXID(1, 2), ev2.View.ID)

	assert.True(t, sess.Respond(ev.Token, []byte("ok")))
	assert.Equal(t, "ok", string(got))
	assert.Equal(t, 0, sess.Pending())

	// Tokens are only answered once.
	assert.False(t, sess.Respond(ev.Token, []byte("again")))
	assert.Equal(t, "ok", string(got))
}

func TestSession_Close(t *testing.T) {
	sess := NewSession(group.Member{ID: "m1"}, "g", 1)
	sess.Deliver(group.NewMessage(dxid.NewDXID(1, 1), "m2", group.TagUpdate, nil, nil))

	done := make(chan struct{})
	go func() {
		// The buffer is full, so this blocks until the session closes.
		sess.Deliver(group.NewMessage(dxid.NewDXID(1, 2), "m2", group.TagUpdate, nil, nil))
		close(done)
	}()
	sess.Close()
	<-done

	assert.Equal(t, 0, sess.Pending())
	sess.DeliverView(group.View{})
	assert.Len(t, sess.Events, 1)
	sess.Close()
}
