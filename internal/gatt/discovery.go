package gatt

// DiscoveryStage enumerates the ordered attribute-discovery pipeline.
// The cursor only ever advances ServiceSearch -> RxCharSearch ->
// TxCharSearch -> CccSearch -> Done; the sole regression is a full
// reset to ServiceSearch when a new link is created.
type DiscoveryStage int

const (
	StageServiceSearch DiscoveryStage = iota
	StageRxCharSearch
	StageTxCharSearch
	StageCccSearch
	StageDone
)

// String returns a short name for logging.
func (s DiscoveryStage) String() string {
	switch s {
	case StageServiceSearch:
		return "service_search"
	case StageRxCharSearch:
		return "rx_char_search"
	case StageTxCharSearch:
		return "tx_char_search"
	case StageCccSearch:
		return "ccc_search"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// searchOutcome is the cursor's verdict on a discovered attribute.
type searchOutcome int

const (
	// outcomeAdvanced: attribute accepted, cursor moved to the next stage
	outcomeAdvanced searchOutcome = iota
	// outcomeContinue: attribute rejected (out of the bounding range),
	// keep searching the remainder of the window
	outcomeContinue
	// outcomeMalformed: attribute matched but is missing expected
	// fields; fatal for the current attempt
	outcomeMalformed
	// outcomeExhausted: the window cannot be narrowed any further;
	// the target is absent, same as an exhausted enumeration
	outcomeExhausted
)

const (
	attrHandleMin = uint16(0x0001)
	attrHandleMax = uint16(0xffff)
)

// discoveryCursor drives the pipeline over one connection. It lives
// only while a Link exists and is mutated exclusively from discovery
// events.
type discoveryCursor struct {
	stage  DiscoveryStage
	target string
	// current attribute-handle search window, inclusive
	start, end uint16
	// discovered service bounds every later sub-search
	svcStart, svcEnd uint16

	rxHandle  uint16 // RX characteristic value handle (writes)
	txHandle  uint16 // TX characteristic value handle (notifications)
	cccHandle uint16 // CCC descriptor handle
}

// newDiscoveryCursor returns a cursor positioned at ServiceSearch over
// the full handle range.
func newDiscoveryCursor(opts *Options) *discoveryCursor {
	return &discoveryCursor{
		stage:  StageServiceSearch,
		target: opts.ServiceUUID,
		start:  attrHandleMin,
		end:    attrHandleMax,
	}
}

// issue sends the discovery request for the current stage. Exactly one
// exchange is in flight at a time; the caller waits for the resulting
// event before issuing the next.
func (d *discoveryCursor) issue(b Backend, h ConnHandle) error {
	switch d.stage {
	case StageServiceSearch:
		return b.DiscoverService(h, d.target, d.start, d.end)
	case StageRxCharSearch, StageTxCharSearch:
		return b.DiscoverCharacteristic(h, d.target, d.start, d.end)
	case StageCccSearch:
		return b.DiscoverDescriptor(h, d.target, d.start, d.end)
	default:
		return ErrDiscoveryMalformed
	}
}

// inWindow reports whether a handle lies inside the current search
// window. Out-of-range matches are rejected as "continue searching"
// rather than "found"; this guards against a CCC descriptor belonging
// to an unrelated characteristic being mistaken for the target.
func (d *discoveryCursor) inWindow(handle uint16) bool {
	return handle >= d.start && handle <= d.end
}

// accept processes a discovered attribute and advances the stage when
// it passes validation.
func (d *discoveryCursor) accept(attr Attr, opts *Options) searchOutcome {
	switch d.stage {
	case StageServiceSearch:
		if !d.inWindow(attr.Handle) {
			return d.skipPast(attr.Handle)
		}
		if attr.EndHandle < attr.Handle {
			return outcomeMalformed
		}
		d.svcStart = attr.Handle
		d.svcEnd = attr.EndHandle
		d.stage = StageRxCharSearch
		d.target = opts.RxCharUUID
		d.start = d.svcStart + 1
		d.end = d.svcEnd
		return outcomeAdvanced

	case StageRxCharSearch:
		if !d.inWindow(attr.ValueHandle) {
			return d.skipPast(attr.ValueHandle)
		}
		if attr.ValueHandle == 0 || attr.Properties&(PropWrite|PropWriteWithoutResponse) == 0 {
			return outcomeMalformed
		}
		d.rxHandle = attr.ValueHandle
		d.stage = StageTxCharSearch
		d.target = opts.TxCharUUID
		d.start = attr.ValueHandle + 1
		d.end = d.svcEnd
		return outcomeAdvanced

	case StageTxCharSearch:
		if !d.inWindow(attr.ValueHandle) {
			return d.skipPast(attr.ValueHandle)
		}
		if attr.ValueHandle == 0 || attr.Properties&(PropNotify|PropIndicate) == 0 {
			return outcomeMalformed
		}
		d.txHandle = attr.ValueHandle
		d.stage = StageCccSearch
		d.target = CccUUID
		d.start = attr.ValueHandle + 1
		d.end = d.svcEnd
		return outcomeAdvanced

	case StageCccSearch:
		// Bounded to (TX handle, service end]
		if attr.Handle <= d.txHandle || !d.inWindow(attr.Handle) {
			return d.skipPast(attr.Handle)
		}
		d.cccHandle = attr.Handle
		d.stage = StageDone
		if !d.complete() {
			// Reaching Done with any handle unset is an internal
			// invariant violation, routed like DiscoveryNotFound.
			return outcomeMalformed
		}
		return outcomeAdvanced
	}
	return outcomeMalformed
}

// skipPast narrows the window past a rejected attribute so the search
// can continue; an exhausted window means the target is absent.
func (d *discoveryCursor) skipPast(handle uint16) searchOutcome {
	if handle >= d.end || handle == attrHandleMax {
		return outcomeExhausted
	}
	if handle >= d.start {
		d.start = handle + 1
	}
	return outcomeContinue
}

// restart rewinds the current stage to its full window for a local
// retry. The already-discovered bounds are kept.
func (d *discoveryCursor) restart() {
	switch d.stage {
	case StageServiceSearch:
		d.start, d.end = attrHandleMin, attrHandleMax
	case StageRxCharSearch:
		d.start, d.end = d.svcStart+1, d.svcEnd
	case StageTxCharSearch:
		d.start, d.end = d.rxHandle+1, d.svcEnd
	case StageCccSearch:
		d.start, d.end = d.txHandle+1, d.svcEnd
	}
}

// complete reports whether every handle the pipeline must produce has
// been discovered.
func (d *discoveryCursor) complete() bool {
	return d.rxHandle != 0 && d.txHandle != 0 && d.cccHandle != 0
}
