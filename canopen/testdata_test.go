package canopen

import (
	"testing"

	"github.com/LoveWonYoung/ican/can"
)

// drive maps an 8-bit input block and a speed into TPDO1, and a position
// and an enable flag, separated by one padding byte, into TPDO2.
const drive = `
[FileInfo]
FileName=drive.eds
Description=test drive ; not a comment

[DeviceInfo]
VendorName=ican

[1800]
ParameterName=TPDO 1 communication parameter
ObjectType=0x9
SubNumber=2

[1800sub1]
ParameterName=COB-ID used by TPDO 1
ObjectType=0x7
DataType=0x0007
AccessType=rw
DefaultValue=$NODEID+0x180
PDOMapping=0

[1A00]
ParameterName=TPDO 1 mapping parameter
ObjectType=0x8
SubNumber=9

[1A00sub0]
ParameterName=Number of mapped objects
ObjectType=0x7
DataType=0x0005
AccessType=rw
DefaultValue=2
PDOMapping=0

[1A00sub1]
ParameterName=Mapping 1
ObjectType=0x7
DataType=0x0007
AccessType=rw
DefaultValue=0x60000108
PDOMapping=0

[1A00sub2]
ParameterName=Mapping 2
ObjectType=0x7
DataType=0x0007
AccessType=rw
DefaultValue=0x60010010
PDOMapping=0

[1A00sub3]
ParameterName=Mapping 3
ObjectType=0x7
DataType=0x0007
AccessType=rw
DefaultValue=0x20000020
PDOMapping=0

[1A01]
ParameterName=TPDO 2 mapping parameter
ObjectType=0x9
SubNumber=4

[1A01sub0]
ParameterName=Number of mapped objects
DataType=0x0005
AccessType=rw
DefaultValue=3

[1A01sub1]
ParameterName=Mapping 1
DataType=0x0007
AccessType=rw
DefaultValue=0x20000020

[1A01sub2]
ParameterName=Mapping 2
DataType=0x0007
AccessType=rw
DefaultValue=0x00050008

[1A01sub3]
ParameterName=Mapping 3
DataType=0x0007
AccessType=rw
DefaultValue=0x20010001

[2000]
ParameterName=Position
ObjectType=0x7
DataType=0x0004
AccessType=ro
DefaultValue=-1
PDOMapping=1

[2001]
ParameterName=Enabled
ObjectType=0x7
DataType=0x0001
AccessType=ro
DefaultValue=0
PDOMapping=1

[6000]
ParameterName=Digital inputs
ObjectType=0x8
SubNumber=2

[6000sub0]
ParameterName=Number of input blocks
ObjectType=0x7
DataType=0x0005
AccessType=const
DefaultValue=1
PDOMapping=0

[6000sub1]
ParameterName=Inputs #1-8
ObjectType=0x7
DataType=0x0005
AccessType=ro
DefaultValue=0x00
PDOMapping=1

[6001]
ParameterName=Speed
ObjectType=0x7
DataType=0x0003
AccessType=ro
DefaultValue=0
PDOMapping=1
`

func mustParse(t *testing.T, text string) *EDS {
	t.Helper()
	e, err := Parse([]byte(text))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func mustFrame(t *testing.T, id uint32, data ...byte) can.Frame {
	t.Helper()
	f, err := can.New(id, data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}
