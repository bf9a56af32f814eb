package fil

import "errors"

var (
	ErrSpaceNotFound     = errors.New("tablespace not found")
	ErrSpaceExists       = errors.New("tablespace already exists")
	ErrTablespaceDeleted = errors.New("tablespace deleted")
	ErrPageOutOfRange    = errors.New("page number beyond tablespace size")
	ErrPageCorrupted     = errors.New("page checksum mismatch")
	ErrSpaceFull         = errors.New("tablespace free page list full")
	ErrBadFrame          = errors.New("frame size does not match page size")
)
