// Copyright 2024 The ServoWorker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package bridge

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	// From  /usr/include/linux/i2c-dev.h:
	// ioctl signals
	i2cSlave = 0x0703
	i2cFuncs = 0x0705
	i2cSmbus = 0x0720
	// Read/write markers
	i2cSmbusRead  = 1
	i2cSmbusWrite = 0

	// From  /usr/include/linux/i2c.h:
	// Adapter functionality
	i2cFuncSmbusQuick         = 0x00010000
	i2cFuncSmbusReadByte      = 0x00020000
	i2cFuncSmbusWriteByte     = 0x00040000
	i2cFuncSmbusReadByteData  = 0x00080000
	i2cFuncSmbusWriteByteData = 0x00100000

	// Transaction types
	i2cSmbusQuick    = 0
	i2cSmbusByte     = 1
	i2cSmbusByteData = 2
)

type i2cSmbusIoctlData struct {
	readWrite byte
	command   byte
	size      uint32
	data      uintptr
}

type i2cDevice struct {
	address uint8
	mutex   sync.Mutex
	file    *os.File
	funcs   uint64 // adapter functionality mask
}

// newI2CDevice returns accessors to the I2C device at the given location & address.
func newI2CDevice(location string, address uint8) (*i2cDevice, error) {
	d := &i2cDevice{
		address: address,
	}

	var err error
	if d.file, err = os.OpenFile(location, os.O_RDWR, os.ModeDevice); err != nil {
		return nil, err
	}
	if err := d.queryFunctionality(); err != nil {
		return nil, err
	}
	if err := d.setAddress(address); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *i2cDevice) queryFunctionality() (err error) {
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		d.file.Fd(),
		i2cFuncs,
		uintptr(unsafe.Pointer(&d.funcs)),
	)

	if errno != 0 {
		err = fmt.Errorf("querying functionality failed with syscall.Errno %v", errno)
	}
	return
}

func (d *i2cDevice) setAddress(address byte) (err error) {
	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		d.file.Fd(),
		i2cSlave,
		uintptr(address),
	)

	if errno != 0 {
		err = fmt.Errorf("setting address (0x%0x) failed with syscall.Errno %v", d.address, errno)
	}

	return
}

func (d *i2cDevice) closeFile() (err error) {
	if err := d.file.Close(); err != nil {
		return err
	}
	return nil
}

// DetectDevice probes the device with an SMBus quick transaction.
func (d *i2cDevice) DetectDevice() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	err := d.quick()
	if err != nil {
		return errors.Wrap(err, "quick failed")
	}
	return nil
}

func (d *i2cDevice) ReadByteReg(reg uint8) (uint8, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	val, err := d.readByteData(reg)
	if err != nil {
		return 0, errors.Wrapf(err, "readByteData[0x%0x](0x%0x) failed", d.address, reg)
	}
	return val, nil
}

func (d *i2cDevice) WriteByteReg(reg uint8, val uint8) (err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.writeByteData(reg, val); err != nil {
		return errors.Wrapf(err, "writeByteData[0x%0x](0x%0x, 0x%0x) failed", d.address, reg, val)
	}
	return nil
}

// Read a byte from device
func (d *i2cDevice) ReadByte() (byte, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	val, err := d.readByte()
	if err != nil {
		return 0, errors.Wrapf(err, "readByte[0x%0x] failed", d.address)
	}
	return val, nil
}

// Write a byte to device
func (d *i2cDevice) WriteByte(val byte) (err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.writeByte(val); err != nil {
		return errors.Wrapf(err, "writeByte[0x%0x](0x%0x) failed", d.address, val)
	}
	return nil
}

func (d *i2cDevice) quick() (err error) {
	if d.funcs&i2cFuncSmbusQuick == 0 {
		return fmt.Errorf("SMBus quick not supported")
	}

	err = d.smbusAccess(i2cSmbusWrite, 0, i2cSmbusQuick, uintptr(0))
	return err
}

func (d *i2cDevice) readByte() (val byte, err error) {
	if d.funcs&i2cFuncSmbusReadByte == 0 {
		return 0, fmt.Errorf("SMBus read byte not supported")
	}

	var data uint8
	err = d.smbusAccess(i2cSmbusRead, 0, i2cSmbusByte, uintptr(unsafe.Pointer(&data)))
	return data, err
}

func (d *i2cDevice) readByteData(reg uint8) (val uint8, err error) {
	if d.funcs&i2cFuncSmbusReadByteData == 0 {
		return 0, fmt.Errorf("SMBus read byte data not supported")
	}

	var data uint8
	err = d.smbusAccess(i2cSmbusRead, reg, i2cSmbusByteData, uintptr(unsafe.Pointer(&data)))
	return data, err
}

func (d *i2cDevice) writeByte(val byte) (err error) {
	if d.funcs&i2cFuncSmbusWriteByte == 0 {
		return fmt.Errorf("SMBus write byte not supported")
	}

	err = d.smbusAccess(i2cSmbusWrite, val, i2cSmbusByte, uintptr(0))
	return err
}

func (d *i2cDevice) writeByteData(reg uint8, val uint8) (err error) {
	if d.funcs&i2cFuncSmbusWriteByteData == 0 {
		return fmt.Errorf("SMBus write byte data not supported")
	}

	var data = val
	err = d.smbusAccess(i2cSmbusWrite, reg, i2cSmbusByteData, uintptr(unsafe.Pointer(&data)))
	return err
}

func (d *i2cDevice) smbusAccess(readWrite byte, command byte, size uint32, data uintptr) error {
	smbus := &i2cSmbusIoctlData{
		readWrite: readWrite,
		command:   command,
		size:      size,
		data:      data,
	}

	_, _, errno := syscall.Syscall(
		syscall.SYS_IOCTL,
		d.file.Fd(),
		i2cSmbus,
		uintptr(unsafe.Pointer(smbus)),
	)

	if errno != 0 {
		return fmt.Errorf("failed with syscall.Errno %v", errno)
	}

	return nil
}
