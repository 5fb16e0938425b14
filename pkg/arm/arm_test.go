package arm

import "testing"

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"mov r0, #5", MovImm(R0, 5), 0xe3a00005},
		{"mov r0, #0x10000", MovImm(R0, 0x10000), 0xe3a00801},
		{"add r0, r0, #1", AddImm(R0, R0, 1), 0xe2800001},
		{"sub sp, sp, #8", SubImm(SP, SP, 8), 0xe24dd008},
		{"cmp r0, #0", CmpImm(R0, 0), 0xe3500000},
		{"mov r1, r0", MovReg(R1, R0), 0xe1a01000},
		{"movw r0, #0x1234", MovW(R0, 0x1234), 0xe3010234},
		{"movt r0, #0x5678", MovT(R0, 0x5678), 0xe3450678},
		{"mul r0, r1, r2", Mul(R0, R1, R2), 0xe0000291},
		{"ldr r0, [r1, #4]", LdrImm(R0, R1, 4), 0xe5910004},
		{"str r0, [sp, #-4]", StrImm(R0, SP, -4), 0xe50d0004},
		{"ldr r12, [pc]", LdrLit(IP, 0), 0xe59fc000},
		{"push {r4, lr}", Push(R4, LR), 0xe92d4010},
		{"pop {r4, pc}", Pop(R4, PC), 0xe8bd8010},
		{"bl", Bl(0x1000, 0x2000), 0xeb0003fe},
		{"b backwards", B(0x1000, 0x1000), 0xeafffffe},
		{"bx lr", Bx(LR), Ret},
		{"blx r12", Blx(IP), 0xe12fff3c},
		{"svc #0x80", Svc(0x80), 0xef000080},
		{"bkpt #0", Bkpt(0), 0xe1200070},
		{"udf #0xfdee", Udf(0xfdee), Trap},
		{"moveq r0, #1", EQ.Apply(MovImm(R0, 1)), 0x03a00001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %#08x, want %#08x", tt.got, tt.want)
			}
		})
	}
}

func TestEncodeImm(t *testing.T) {
	for _, v := range []uint32{0, 0xff, 0x3fc, 0xff000000, 0xf000000f} {
		if _, ok := EncodeImm(v); !ok {
			t.Errorf("EncodeImm(%#x) not encodable", v)
		}
	}
	for _, v := range []uint32{0x101, 0x12345678, 0xffff} {
		if _, ok := EncodeImm(v); ok {
			t.Errorf("EncodeImm(%#x) should not be encodable", v)
		}
	}
}

func TestProgram(t *testing.T) {
	p := NewProgram(0x4000)
	p.Emit(MovImm(R0, 3)).Label("loop").Emit(SubImm(R0, R0, 1), CmpImm(R0, 0)).BCond(NE, "loop").Emit(Ret)
	dat, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if len(dat) != 20 {
		t.Fatalf("len = %d, want 20", len(dat))
	}
	// bne at 0x400c back to 0x4004
	if got := uint32(dat[12]) | uint32(dat[13])<<8 | uint32(dat[14])<<16 | uint32(dat[15])<<24; got != 0x1afffffc {
		t.Errorf("bne = %#08x, want 0x1afffffc", got)
	}
	if _, err := NewProgram(0).B("nowhere").Bytes(); err == nil {
		t.Error("undefined label accepted")
	}
}
