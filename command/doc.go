// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package command implements the line protocol of the focuser.
//
// Every command is one line of at most 32 bytes and gets one line of reply:
//
//	?               T1=+000000,C1=+000000,T2=+000120,C2=+000087
//	1+1234567       $      move axis 1 to 1234567
//	2S              $      stop axis 2 where it is
//	1Z              $      make the position of axis 1 the new zero
//	3O, 3C          $      open or close shutter 3
//	W1?             28AC410E07000074,10...   list the devices of bus 1
//	W1=28AC410E07000074    25.0625
//	W1M             T;25.062                 read the only device of bus 1
//
// Anything else is answered with "?".
package command
