// Package rollback reverts one device to a previously applied firmware version.
package rollback
