// Package buffer provides the replayable multicast log that chunk streams are
// built on.
//
// A Multicast keeps every value written to it. Readers obtain a Cursor with
// Iter; each cursor starts at the first value and advances independently, so a
// reader that attaches late sees exactly the same ordered history as one that
// attached before the first write.
//
// Termination is explicit. Close ends the log cleanly and cursors report
// ErrIteratorDone after draining it. CloseWithError ends it with a failure
// that every cursor reports after draining the values written before it.
//
// Readers that stop early must release their cursor with Cursor.Close, or use
// Cursor.All which does so on every exit path:
//
//	m := buffer.NewMulticast[string]()
//	m.Write("hello")
//	m.Close()
//
//	for v, err := range m.Iter().All() {
//		if err != nil {
//			return err
//		}
//		fmt.Println(v)
//	}
package buffer
