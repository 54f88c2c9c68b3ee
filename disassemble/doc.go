// Package disassemble previews guest code and finds its basic blocks with
// capstone. It is only built with the capstone tag.
package disassemble
