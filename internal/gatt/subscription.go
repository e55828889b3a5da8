package gatt

// subscriptionRecord tracks the notification subscription on the TX
// characteristic. Created once CccSearch completes; cleared on
// disconnect or when the stack signals "unsubscribed" by delivering an
// empty notification.
type subscriptionRecord struct {
	txHandle  uint16
	cccHandle uint16
	cccValue  uint16
	attempts  int
	active    bool
}

// newSubscriptionRecord builds the record from a completed discovery
// cursor.
func newSubscriptionRecord(d *discoveryCursor) *subscriptionRecord {
	return &subscriptionRecord{
		txHandle:  d.txHandle,
		cccHandle: d.cccHandle,
		cccValue:  CccNotifyEnable,
	}
}

// write issues the CCC write that enables notification delivery. The
// outcome arrives as an EvSubscribeResult event.
func (s *subscriptionRecord) write(b Backend, h ConnHandle) error {
	s.attempts++
	return b.WriteCCC(h, s.cccHandle, s.cccValue)
}
