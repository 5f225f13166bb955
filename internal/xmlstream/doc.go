// Package xmlstream reads and writes dump XML files one row at a time.
//
// A dump file is a single root element whose children are records:
//
//	<?xml version="1.0" encoding="utf-8"?>
//	<users>
//	  <row Id="1" DisplayName="..." />
//	</users>
//
// Rows are never collected into memory as a whole file. Attribute order and
// inner XML are preserved so derived files can nest rows inside rows.
package xmlstream
