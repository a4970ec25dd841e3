package tfs

import "github.com/shoily/tfs/alloc"

// allocationScratch owns the pending reservations of a multi-step
// inode-lifecycle operation (Create, Mkdir), supporting rollback of
// everything allocated so far if a later step fails. Grounded on
// original_source/alloc.h's struct tfs_alloc_inode_info and the
// release/error helpers in original_source/driver/alloc.c.
type allocationScratch struct {
	inodeReservation *alloc.Reservation
	dataReservation  *alloc.Reservation
}

// rollback clears every bit this scratch reserved, in the reverse order
// they were acquired (data before inode), mirroring
// tfs_error_inode_info's unwind order.
func (s *allocationScratch) rollback() {
	if s.dataReservation != nil {
		s.dataReservation.Rollback()
	}
	if s.inodeReservation != nil {
		s.inodeReservation.Rollback()
	}
}
