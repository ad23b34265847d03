package scriptbridge

import (
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sys/unix"
)

// newXattrTable builds the info.cgroup_xattr lazy mapping spec.md §4.5
// names: reading an xattr name from Lua triggers a real fgetxattr(2)
// on cgroupFd on first access, and the result is cached in the table
// itself so repeated reads are free. Grounded on
// original_source/src/reaper/LAccounting.cxx's "inject more attributes
// into CgroupInfo's FenvCache" lazy-cache pattern, expressed in Go as
// a Lua __index metamethod instead of a hand-rolled cache exposed
// eagerly.
func newXattrTable(L *lua.LState, cgroupFd int) *lua.LTable {
	table := L.NewTable()
	meta := L.NewTable()

	L.SetField(meta, "__index", L.NewFunction(func(L *lua.LState) int {
		self := L.CheckTable(1)
		name := L.CheckString(2)

		value, ok := readXattr(cgroupFd, name)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}

		lv := lua.LString(value)
		self.RawSetString(name, lv)
		L.Push(lv)
		return 1
	}))

	L.SetMetatable(table, meta)
	return table
}

func readXattr(fd int, name string) (string, bool) {
	size, err := unix.Fgetxattr(fd, name, nil)
	if err != nil || size <= 0 {
		return "", false
	}

	buf := make([]byte, size)
	n, err := unix.Fgetxattr(fd, name, buf)
	if err != nil {
		return "", false
	}
	return string(buf[:n]), true
}

func unixClose(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
